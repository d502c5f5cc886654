package chat

import "fmt"

// Normalize resolves a raw participant/user/sender record into a canonical
// User. The portal's endpoints disagree on field names (some return "id",
// others "ID" or "UserID"; display names come back as "FullName", "Username"
// or "name"), so every record is normalized once here, at the boundary.
// Missing optional fields never cause an error; when both name fields are
// absent the display name is constructed from the id.
func Normalize(raw map[string]any) User {
	u := User{
		ID:        firstString(raw, "id", "ID", "Id", "UserID", "userId", "_id"),
		AvatarRef: firstString(raw, "avatar", "Avatar", "avatarRef", "ProfilePicture", "profilePicture"),
	}
	u.DisplayName = firstString(raw, "FullName", "fullName", "full_name", "Username", "username", "name", "Name")
	if u.DisplayName == "" {
		if u.ID != "" {
			u.DisplayName = fmt.Sprintf("user %s", u.ID)
		} else {
			u.DisplayName = "unknown user"
		}
	}
	return u
}

func firstString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		switch s := v.(type) {
		case string:
			if s != "" {
				return s
			}
		case fmt.Stringer:
			if str := s.String(); str != "" {
				return str
			}
		case float64:
			// JSON numbers decode as float64.
			return fmt.Sprintf("%.0f", s)
		}
	}
	return ""
}
