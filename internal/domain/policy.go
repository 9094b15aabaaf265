package domain

// Wildcard matches any domain, region, level, object or action.
const Wildcard = "*"

type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// PolicyRule is a (sub, obj, act, domain, region, level, eft) tuple.
type PolicyRule struct {
	Sub    string `json:"sub"`
	Obj    string `json:"obj"`
	Act    string `json:"act"`
	Domain string `json:"domain"`
	Region string `json:"region"`
	Level  string `json:"level"`
	Eft    Effect `json:"eft"`
}

// Normalize fills empty attribute fields with the wildcard and the effect with allow.
func (p PolicyRule) Normalize() PolicyRule {
	p.Domain = orWildcard(p.Domain)
	p.Region = orWildcard(p.Region)
	p.Level = orWildcard(p.Level)
	if p.Eft == "" {
		p.Eft = Allow
	}
	return p
}

func (p PolicyRule) Strings() []string {
	return []string{p.Sub, p.Obj, p.Act, p.Domain, p.Region, p.Level, string(p.Eft)}
}

// PolicyFromStrings is the inverse of Strings. Missing trailing fields are left empty.
func PolicyFromStrings(v []string) PolicyRule {
	get := func(i int) string {
		if i < len(v) {
			return v[i]
		}
		return ""
	}
	return PolicyRule{
		Sub: get(0), Obj: get(1), Act: get(2),
		Domain: get(3), Region: get(4), Level: get(5),
		Eft: Effect(get(6)),
	}
}

// RoleAssignment binds a user (or role) to a role within a domain.
type RoleAssignment struct {
	User   string `json:"user"`
	Role   string `json:"role"`
	Domain string `json:"domain"`
}

// Request is the tuple a permission check is evaluated on.
type Request struct {
	Sub    string `json:"sub"`
	Obj    string `json:"obj"`
	Act    string `json:"act"`
	Domain string `json:"domain"`
	Region string `json:"region"`
	Level  string `json:"level"`
}

func (r Request) Normalize() Request {
	r.Domain = orWildcard(r.Domain)
	r.Region = orWildcard(r.Region)
	r.Level = orWildcard(r.Level)
	return r
}

func orWildcard(s string) string {
	if s == "" {
		return Wildcard
	}
	return s
}
