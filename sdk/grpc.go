package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	goplugin "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Handshake must match between host and subprocess modules.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "IMGVAULT_MODULE",
	MagicCookieValue: "imgvault_module_magic_cookie_v1",
}

// PluginName is the key subprocess modules are dispensed under.
const PluginName = "module"

const (
	serviceName = "imgvault.module.v1.Module"

	methodConfigure = "/" + serviceName + "/Configure"
	methodDescribe  = "/" + serviceName + "/Describe"
	methodInvoke    = "/" + serviceName + "/Invoke"
	methodHook      = "/" + serviceName + "/Hook"

	// metadata keys for Invoke; the -bin suffix lets grpc carry raw JSON
	mdFunction = "x-imgvault-function"
	mdSettings = "x-imgvault-settings-bin"

	// trailer set when the operation returned nil, meaning "unchanged"; an
	// empty reply without it is a real zero-length artifact
	mdUnchanged = "x-imgvault-unchanged"
)

// Description is what a subprocess module reports about itself.
type Description struct {
	Capabilities []string
	Hooks        []string
}

type moduleServer interface {
	Configure(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Describe(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Invoke(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Hook(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

var moduleServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*moduleServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Configure", Handler: configureHandler},
		{MethodName: "Describe", Handler: describeHandler},
		{MethodName: "Invoke", Handler: invokeHandler},
		{MethodName: "Hook", Handler: hookHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "imgvault/module.proto",
}

func configureHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(moduleServer).Configure(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodConfigure}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(moduleServer).Configure(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func describeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(moduleServer).Describe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDescribe}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(moduleServer).Describe(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func invokeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(moduleServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodInvoke}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(moduleServer).Invoke(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func hookHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(moduleServer).Hook(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodHook}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(moduleServer).Hook(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// grpcServer adapts a module factory to the module service.
type grpcServer struct {
	factory Factory

	mu   sync.RWMutex
	impl interface{}
	ops  map[string]OperationFunc
}

func (s *grpcServer) Configure(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid manifest: %v", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid manifest: %v", err)
	}

	impl, err := s.factory(m)
	if err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "module factory failed: %v", err)
	}

	s.mu.Lock()
	s.impl = impl
	s.ops = Operations(impl)
	s.mu.Unlock()
	return &emptypb.Empty{}, nil
}

func (s *grpcServer) instance() (interface{}, map[string]OperationFunc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.impl == nil {
		return nil, nil, status.Error(codes.FailedPrecondition, "module not configured")
	}
	return s.impl, s.ops, nil
}

func (s *grpcServer) Describe(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	impl, _, err := s.instance()
	if err != nil {
		return nil, err
	}

	caps := Exports(impl)
	if r, ok := impl.(CapabilityReporter); ok {
		caps = r.Capabilities()
	}

	hooks := make([]interface{}, 0, len(Hooks))
	for _, h := range Hooks {
		if implementsHook(impl, h) {
			hooks = append(hooks, h)
		}
	}
	capList := make([]interface{}, len(caps))
	for i, c := range caps {
		capList[i] = c
	}

	return structpb.NewStruct(map[string]interface{}{
		"capabilities": capList,
		"hooks":        hooks,
	})
}

func (s *grpcServer) Invoke(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	_, ops, err := s.instance()
	if err != nil {
		return nil, err
	}

	function := OpProcessImage
	var settings map[string]interface{}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(mdFunction); len(v) > 0 && v[0] != "" {
			function = v[0]
		}
		if v := md.Get(mdSettings); len(v) > 0 && v[0] != "" {
			if err := json.Unmarshal([]byte(v[0]), &settings); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "invalid settings: %v", err)
			}
		}
	}

	op, ok := ops[function]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "module does not export %q", function)
	}

	out, err := op(ctx, in.GetValue(), settings)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if out == nil {
		if err := grpc.SetTrailer(ctx, metadata.Pairs(mdUnchanged, "true")); err != nil {
			return nil, status.Errorf(codes.Internal, "failed to set trailer: %v", err)
		}
		return &wrapperspb.BytesValue{}, nil
	}
	return wrapperspb.Bytes(out), nil
}

func (s *grpcServer) Hook(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	impl, _, err := s.instance()
	if err != nil {
		return nil, err
	}
	if err := RunHook(ctx, impl, in.GetValue()); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &emptypb.Empty{}, nil
}

func implementsHook(impl interface{}, name string) bool {
	switch name {
	case HookInit:
		_, ok := impl.(InitHook)
		return ok
	case HookEnable:
		_, ok := impl.(EnableHook)
		return ok
	case HookDisable:
		_, ok := impl.(DisableHook)
		return ok
	case HookUninstall:
		_, ok := impl.(UninstallHook)
		return ok
	}
	return false
}

// GRPCClient is the host side of the module service.
type GRPCClient struct {
	conn *grpc.ClientConn
}

// NewGRPCClient wraps an established connection.
func NewGRPCClient(conn *grpc.ClientConn) *GRPCClient {
	return &GRPCClient{conn: conn}
}

// Configure hands the manifest to the module, which builds its instance.
func (c *GRPCClient) Configure(ctx context.Context, m Manifest) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return c.conn.Invoke(ctx, methodConfigure, in, new(emptypb.Empty))
}

// Describe asks the module for its capabilities and hooks.
func (c *GRPCClient) Describe(ctx context.Context) (*Description, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodDescribe, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}

	d := &Description{}
	for _, v := range out.GetFields()["capabilities"].GetListValue().GetValues() {
		d.Capabilities = append(d.Capabilities, v.GetStringValue())
	}
	for _, v := range out.GetFields()["hooks"].GetListValue().GetValues() {
		d.Hooks = append(d.Hooks, v.GetStringValue())
	}
	return d, nil
}

// Invoke runs one operation in the module process. A nil result means the
// module left the artifact unchanged.
func (c *GRPCClient) Invoke(ctx context.Context, function string, artifact []byte, settings map[string]interface{}) ([]byte, error) {
	rawSettings, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}
	ctx = metadata.AppendToOutgoingContext(ctx, mdFunction, function, mdSettings, string(rawSettings))

	out := new(wrapperspb.BytesValue)
	var trailer metadata.MD
	if err := c.conn.Invoke(ctx, methodInvoke, wrapperspb.Bytes(artifact), out, grpc.Trailer(&trailer)); err != nil {
		return nil, err
	}
	if v := trailer.Get(mdUnchanged); len(v) > 0 && v[0] == "true" {
		return nil, nil
	}
	if out.GetValue() == nil {
		return []byte{}, nil
	}
	return out.GetValue(), nil
}

// Hook runs a lifecycle hook in the module process.
func (c *GRPCClient) Hook(ctx context.Context, name string) error {
	return c.conn.Invoke(ctx, methodHook, wrapperspb.String(name), new(emptypb.Empty))
}

// ModulePlugin is the go-plugin binding for subprocess modules. The host
// leaves Factory nil.
type ModulePlugin struct {
	goplugin.NetRPCUnsupportedPlugin
	Factory Factory
}

// GRPCServer registers the module service in the subprocess.
func (p *ModulePlugin) GRPCServer(broker *goplugin.GRPCBroker, s *grpc.Server) error {
	if p.Factory == nil {
		return fmt.Errorf("module plugin has no factory")
	}
	s.RegisterService(&moduleServiceDesc, &grpcServer{factory: p.Factory})
	return nil
}

// GRPCClient returns the host side client.
func (p *ModulePlugin) GRPCClient(ctx context.Context, broker *goplugin.GRPCBroker, c *grpc.ClientConn) (interface{}, error) {
	return NewGRPCClient(c), nil
}
