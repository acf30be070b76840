package access

import "testing"

func TestIsElevated(t *testing.T) {
	cases := []struct {
		role  Role
		allow bool
	}{
		{role: RoleOwner, allow: true},
		{role: RoleSupervisor, allow: true},
		{role: RoleMentor, allow: true},
		{role: RoleResearcher, allow: false},
		{role: RoleStudent, allow: false},
		{role: Role("admin"), allow: false},
	}

	for _, tc := range cases {
		t.Run(string(tc.role), func(t *testing.T) {
			if got := IsElevated(tc.role); got != tc.allow {
				t.Fatalf("IsElevated(%q) = %v, want %v", tc.role, got, tc.allow)
			}
		})
	}
}

func TestNormalizeRole(t *testing.T) {
	if got := NormalizeRole("mentor"); got != RoleMentor {
		t.Fatalf("NormalizeRole(mentor) = %q", got)
	}
	if got := NormalizeRole("superuser"); got != RoleStudent {
		t.Fatalf("NormalizeRole(superuser) = %q", got)
	}
}

func TestParseMemberRole(t *testing.T) {
	cases := []struct {
		input   string
		ok      bool
		canEdit bool
	}{
		{input: "collaborator", ok: true, canEdit: true},
		{input: "viewer", ok: true, canEdit: false},
		{input: "editor", ok: false},
		{input: "", ok: false},
	}
	for _, tc := range cases {
		role, ok := ParseMemberRole(tc.input)
		if ok != tc.ok {
			t.Fatalf("ParseMemberRole(%q) ok = %v, want %v", tc.input, ok, tc.ok)
		}
		if ok && role.CanEdit() != tc.canEdit {
			t.Fatalf("%q CanEdit = %v, want %v", tc.input, role.CanEdit(), tc.canEdit)
		}
	}
}
