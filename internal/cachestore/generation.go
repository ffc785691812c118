package cachestore

// Role is the content class a store holds.
type Role string

const (
	RoleStatic  Role = "static"
	RoleDynamic Role = "dynamic"
	RoleAPI     Role = "api"
)

// Generation is the versioned set of stores valid for one deployment. Both
// seeding and activation cleanup read store names from here.
type Generation struct {
	Prefix  string
	Version string
	Roles   []Role
}

func NewGeneration(prefix, version string) Generation {
	return Generation{
		Prefix:  prefix,
		Version: version,
		Roles:   []Role{RoleStatic, RoleDynamic, RoleAPI},
	}
}

// ID identifies the generation, e.g. "lb-admin-v2".
func (g Generation) ID() string {
	if g.Prefix == "" {
		return g.Version
	}
	return g.Prefix + "-" + g.Version
}

func (g Generation) Name(role Role) string {
	return g.ID() + "-" + string(role)
}

func (g Generation) Names() []string {
	out := make([]string, 0, len(g.Roles))
	for _, r := range g.Roles {
		out = append(out, g.Name(r))
	}
	return out
}

func (g Generation) Allows(name string) bool {
	for _, r := range g.Roles {
		if g.Name(r) == name {
			return true
		}
	}
	return false
}
