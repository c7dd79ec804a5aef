package auth

// Capabilities understood by the permission API.
const (
	CapPermissionsRead  = "perm:read"
	CapPermissionsWrite = "perm:write"
	CapConflictsManage  = "perm:conflicts"
	CapAuditRead        = "audit:read"
	CapAuditPurge       = "audit:purge"
)

// AllCapabilities lists every capability, for token issuance tooling.
var AllCapabilities = []string{
	CapPermissionsRead,
	CapPermissionsWrite,
	CapConflictsManage,
	CapAuditRead,
	CapAuditPurge,
}
