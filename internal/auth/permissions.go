package auth

import "strings"

// PermissionKey identifies a capability. Call sites use the constants below.
type PermissionKey string

const (
	PermUsersRead        PermissionKey = "users.read"
	PermUsersWrite       PermissionKey = "users.write"
	PermRolesManage      PermissionKey = "roles.manage"
	PermArticlesRead     PermissionKey = "articles.read"
	PermArticlesWrite    PermissionKey = "articles.write"
	PermArticlesPublish  PermissionKey = "articles.publish"
	PermEventsRead       PermissionKey = "events.read"
	PermEventsWrite      PermissionKey = "events.write"
	PermMediaUpload      PermissionKey = "media.upload"
	PermNavigationManage PermissionKey = "navigation.manage"
	PermPagesManage      PermissionKey = "pages.manage"
)

// RoleKey identifies a role.
type RoleKey string

const (
	// RoleSuperadmin bypasses every permission and role check.
	RoleSuperadmin RoleKey = "SUPERADMIN"
	RoleAdmin      RoleKey = "ADMIN"
	RoleEditor     RoleKey = "EDITOR"
	RoleAuthor     RoleKey = "AUTHOR"
)

var BuiltinPermissions = []Permission{
	{Key: PermUsersRead, Description: "View back-office users"},
	{Key: PermUsersWrite, Description: "Create users and change their status"},
	{Key: PermRolesManage, Description: "Assign roles and edit role permissions"},
	{Key: PermArticlesRead, Description: "View articles"},
	{Key: PermArticlesWrite, Description: "Create and edit articles"},
	{Key: PermArticlesPublish, Description: "Publish and unpublish articles"},
	{Key: PermEventsRead, Description: "View events"},
	{Key: PermEventsWrite, Description: "Create and edit events"},
	{Key: PermMediaUpload, Description: "Upload media files"},
	{Key: PermNavigationManage, Description: "Edit navigation trees"},
	{Key: PermPagesManage, Description: "Edit page layouts"},
}

// BuiltinRoles lists the roles seeded on a fresh install. SUPERADMIN carries no
// explicit permissions.
var BuiltinRoles = []Role{
	{Key: RoleSuperadmin, Name: "Super administrator"},
	{Key: RoleAdmin, Name: "Administrator", Permissions: []PermissionKey{
		PermUsersRead, PermUsersWrite, PermRolesManage,
		PermArticlesRead, PermArticlesWrite, PermArticlesPublish,
		PermEventsRead, PermEventsWrite, PermMediaUpload,
		PermNavigationManage, PermPagesManage,
	}},
	{Key: RoleEditor, Name: "Editor", Permissions: []PermissionKey{
		PermArticlesRead, PermArticlesWrite, PermArticlesPublish,
		PermEventsRead, PermEventsWrite, PermMediaUpload, PermNavigationManage,
	}},
	{Key: RoleAuthor, Name: "Author", Permissions: []PermissionKey{
		PermArticlesRead, PermArticlesWrite, PermEventsRead, PermMediaUpload,
	}},
}

// IsKnownPermission reports whether key is part of the builtin catalog.
func IsKnownPermission(key PermissionKey) bool {
	for _, p := range BuiltinPermissions {
		if p.Key == key {
			return true
		}
	}
	return false
}

// ParseRoleKey normalizes a role key; role keys are upper-case.
func ParseRoleKey(s string) RoleKey {
	return RoleKey(strings.ToUpper(strings.TrimSpace(s)))
}
