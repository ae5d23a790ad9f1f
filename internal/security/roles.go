package security

import (
	"context"

	"scantrack/internal/identity"
)

// Permission names one grantable capability.
type Permission string

const (
	PermViewAllAttendance     Permission = "view_all_attendance"
	PermManageAttendance      Permission = "manage_attendance"
	PermBulkOperations        Permission = "bulk_operations"
	PermUserManagement        Permission = "user_management"
	PermSystemSettings        Permission = "system_settings"
	PermAuditLogs             Permission = "audit_logs"
	PermViewSecurityDashboard Permission = "view_security_dashboard"
	PermExportData            Permission = "export_data"
	PermImportData            Permission = "import_data"
	PermViewClassAttendance   Permission = "view_class_attendance"
	PermManageClassAttendance Permission = "manage_class_attendance"
	PermExportClassData       Permission = "export_class_data"
	PermScanBarcode           Permission = "scan_barcode"
	PermViewOwnAttendance     Permission = "view_own_attendance"
	PermViewReports           Permission = "view_reports"
)

// rolePermissions is the fixed role -> permission table. Admin is handled
// as a wildcard in HasPermission, so its row here is informational.
var rolePermissions = map[identity.Role][]Permission{
	identity.RoleAdmin: {
		PermViewAllAttendance, PermManageAttendance, PermBulkOperations,
		PermUserManagement, PermSystemSettings, PermAuditLogs,
		PermViewSecurityDashboard, PermExportData, PermImportData,
	},
	identity.RoleInstructor: {
		PermViewClassAttendance, PermManageClassAttendance,
		PermExportClassData, PermScanBarcode,
	},
	identity.RoleStudent: {
		PermViewOwnAttendance, PermScanBarcode,
	},
	identity.RoleViewer: {
		PermViewReports,
	},
}

// HasPermission reports whether a role grants a permission. Admin satisfies
// every check regardless of the table.
func HasPermission(role identity.Role, p Permission) bool {
	if role == identity.RoleAdmin {
		return true
	}
	for _, have := range rolePermissions[role] {
		if have == p {
			return true
		}
	}
	return false
}

// ResolveRole walks the role sources in order: the student directory
// record, then the secondary roles store, then the hardcoded default.
// A failure at any tier means "no role found here", not a fatal error.
func (s *Service) ResolveRole(ctx context.Context, userID string) identity.Role {
	if st, err := s.directory.Get(ctx, userID); err == nil && identity.ValidRole(st.Role) {
		return st.Role
	}
	if s.roles != nil {
		if r, err := s.roles.Role(ctx, userID); err == nil && identity.ValidRole(identity.Role(r)) {
			return identity.Role(r)
		}
	}
	return identity.RoleStudent
}
