package constraints

type Action int32

const (
	DELETE Action = 0
	PUT    Action = 1
)

// Scope identifies which plane a flag row or override belongs to.
const (
	ScopePlatform = "platform"
	ScopeTenant   = "tenant"
)

// Source tags name the precedence layer that produced an effective value.
// Listed highest precedence first.
const (
	SourceTenantOverride   = "tenant_override"
	SourceTenantDB         = "tenant_db"
	SourcePlatformOverride = "platform_override"
	SourcePlatformDB       = "platform_db"
	SourcePlatformEnv      = "platform_env"
	// SourceDefault marks an unknown key resolved closed-by-default.
	SourceDefault = "default"
)

const (
	// PrefixTenant marks tenant-private custom flags.
	PrefixTenant = "TENANT_"
	// PrefixPlatform marks explicitly namespaced platform flags.
	PrefixPlatform = "FF_"
)
