package sdk

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type stampModule struct {
	*BaseModule
	disabled bool
}

func (m *stampModule) ProcessImage(ctx context.Context, artifact []byte, settings map[string]interface{}) ([]byte, error) {
	marker, _ := settings["marker"].(string)
	if marker == "" {
		marker = "#"
	}
	return append(append([]byte(nil), artifact...), marker...), nil
}

func (m *stampModule) Reverse(ctx context.Context, artifact []byte, settings map[string]interface{}) ([]byte, error) {
	out := make([]byte, len(artifact))
	for i, b := range artifact {
		out[len(artifact)-1-i] = b
	}
	return out, nil
}

func (m *stampModule) Same(ctx context.Context, artifact []byte, settings map[string]interface{}) ([]byte, error) {
	return nil, nil
}

func (m *stampModule) Truncate(ctx context.Context, artifact []byte, settings map[string]interface{}) ([]byte, error) {
	return []byte{}, nil
}

func (m *stampModule) Fail(ctx context.Context, artifact []byte, settings map[string]interface{}) ([]byte, error) {
	return nil, errors.New("boom")
}

// Not an operation: wrong signature.
func (m *stampModule) Helper(x int) int { return x }

func (m *stampModule) OnDisable(ctx context.Context) error {
	m.disabled = true
	return nil
}

func TestOperationsUsesMethodSet(t *testing.T) {
	impl := &stampModule{BaseModule: NewBaseModule(Manifest{Name: "stamp"})}

	assert.Equal(t, []string{"fail", OpProcessImage, "reverse", "same", "truncate"}, Exports(impl))

	out, err := Operations(impl)["reverse"](context.Background(), []byte("abc"), nil)
	require.NoError(t, err)
	assert.Equal(t, "cba", string(out))
}

type tableModule struct{}

func (tableModule) Operations() map[string]OperationFunc {
	return map[string]OperationFunc{
		"crop":      func(ctx context.Context, a []byte, s map[string]interface{}) ([]byte, error) { return a[:1], nil },
		HookDisable: func(ctx context.Context, a []byte, s map[string]interface{}) ([]byte, error) { return nil, nil },
	}
}

func TestOperationsProviderDropsReservedNames(t *testing.T) {
	assert.Equal(t, []string{"crop"}, Exports(tableModule{}))
	assert.Empty(t, Exports(nil))
}

func TestRunHook(t *testing.T) {
	impl := &stampModule{BaseModule: NewBaseModule(Manifest{})}
	ctx := context.Background()

	require.NoError(t, RunHook(ctx, impl, HookDisable))
	assert.True(t, impl.disabled)
	assert.NoError(t, RunHook(ctx, tableModule{}, HookInit), "missing hooks are no-ops")
	assert.Error(t, RunHook(ctx, impl, "onExplode"))
}

func TestLowerCamelAndReserved(t *testing.T) {
	assert.Equal(t, "processImage", LowerCamel("ProcessImage"))
	assert.Equal(t, "webP", LowerCamel("WebP"))
	assert.True(t, IsReserved(OpInitModule))
	assert.True(t, IsReserved(HookUninstall))
	assert.False(t, IsReserved(OpProcessImage))
}

func TestRegisterLookup(t *testing.T) {
	factory := func(m Manifest) (interface{}, error) { return tableModule{}, nil }
	Register("sdk-test", factory)
	t.Cleanup(func() { Unregister("sdk-test") })

	f, ok := Lookup("sdk-test")
	require.True(t, ok)
	assert.NotNil(t, f)
	assert.Contains(t, Registered(), "sdk-test")
	assert.Panics(t, func() { Register("sdk-test", factory) })
}

func startTestServer(t *testing.T, factory Factory) *GRPCClient {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	require.NoError(t, (&ModulePlugin{Factory: factory}).GRPCServer(nil, srv))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return NewGRPCClient(conn)
}

func TestGRPCRoundTrip(t *testing.T) {
	var got Manifest
	client := startTestServer(t, func(m Manifest) (interface{}, error) {
		got = m
		return &stampModule{BaseModule: NewBaseModule(m)}, nil
	})
	ctx := context.Background()

	_, err := client.Invoke(ctx, OpProcessImage, []byte("x"), nil)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err), "invoke before configure")

	require.NoError(t, client.Configure(ctx, Manifest{Name: "stamp", Version: "1.0.0", Settings: map[string]interface{}{"marker": "!"}}))
	assert.Equal(t, "stamp", got.Name)
	assert.Equal(t, "!", got.Settings["marker"])

	desc, err := client.Describe(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fail", OpProcessImage, "reverse", "same", "truncate"}, desc.Capabilities)
	assert.Equal(t, Hooks, desc.Hooks)

	out, err := client.Invoke(ctx, OpProcessImage, []byte("img"), map[string]interface{}{"marker": "©"})
	require.NoError(t, err)
	assert.Equal(t, "img©", string(out))

	out, err = client.Invoke(ctx, "reverse", []byte("abc"), nil)
	require.NoError(t, err)
	assert.Equal(t, "cba", string(out))

	out, err = client.Invoke(ctx, "same", []byte("abc"), nil)
	require.NoError(t, err)
	assert.Nil(t, out, "nil result travels as unchanged")

	out, err = client.Invoke(ctx, "truncate", []byte("abc"), nil)
	require.NoError(t, err)
	require.NotNil(t, out, "empty result is a real artifact")
	assert.Empty(t, out)

	_, err = client.Invoke(ctx, "fail", []byte("abc"), nil)
	assert.Equal(t, codes.Internal, status.Code(err))

	_, err = client.Invoke(ctx, "rotate", []byte("abc"), nil)
	assert.Equal(t, codes.Unimplemented, status.Code(err))

	assert.NoError(t, client.Hook(ctx, HookDisable))
}

func TestGRPCConfigureFactoryError(t *testing.T) {
	client := startTestServer(t, func(m Manifest) (interface{}, error) {
		return nil, errors.New("missing model file")
	})

	err := client.Configure(context.Background(), Manifest{Name: "broken"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}
