package manifest

// schemaSource constrains the identity fields and leaves settings and
// capabilities free-form. Unknown fields are allowed.
const schemaSource = `
#Manifest: {
	name:    string & =~"^[A-Za-z0-9][A-Za-z0-9._-]*$"
	version: string & !=""
	entry:   string & !="" & !~"^/"
	enabled: bool

	description?:            string
	author?:                 string
	hasUI?:                  bool
	supportedArtifactTypes?: [...string]
	settings?:               {...}
	dependencies?:           [...string]
	exposedFunctions?:       [...string]
	hostVersion?:            string
	capabilities?:           _

	...
}
`
