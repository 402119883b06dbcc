package engine

// Repository is the read-only, once-built mapping of engine name to
// descriptor. Built once at startup from the [engine.<name>] config
// sections; never mutated afterwards.
type Repository map[string]*Engine

// Get looks up an engine by name.
func (r Repository) Get(name string) (*Engine, bool) {
	e, ok := r[name]
	return e, ok
}

// FilterPlatforms returns the subset of engines that support at least one
// of the given platforms.
func (r Repository) FilterPlatforms(platforms []string) Repository {
	out := make(Repository)
	for name, e := range r {
		for _, p := range platforms {
			if e.SupportsPlatform(p) {
				out[name] = e
				break
			}
		}
	}
	return out
}

// PlatformPackages returns the de-duplicated union of all packages
// required by this repository's engines for the given platform.
func (r Repository) PlatformPackages(platform string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range r {
		for _, pkg := range e.Packages[platform] {
			if !seen[pkg] {
				seen[pkg] = true
				out = append(out, pkg)
			}
		}
	}
	return out
}
