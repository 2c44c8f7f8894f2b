package usage

// DomainFilter selects which projects are exported. An explicit domain id
// takes precedence over the domain-name set; an empty filter accepts every
// readable project.
type DomainFilter struct {
	domainID string
	names    map[string]struct{}
}

// NewDomainFilter builds a filter from an explicit domain id and a set of
// domain names. If domainID is non-empty the name set is ignored entirely.
func NewDomainFilter(domainID string, domainNames []string) DomainFilter {
	f := DomainFilter{domainID: domainID}
	if domainID == "" && len(domainNames) > 0 {
		f.names = make(map[string]struct{}, len(domainNames))
		for _, name := range domainNames {
			if name != "" {
				f.names[name] = struct{}{}
			}
		}
	}
	return f
}

// Empty reports whether the filter performs no filtering at all.
func (f DomainFilter) Empty() bool {
	return f.domainID == "" && len(f.names) == 0
}

// DomainID returns the configured exact-match domain id, if any.
func (f DomainFilter) DomainID() string {
	return f.domainID
}

// MatchesDomain reports whether a domain identified by id and name passes
// the filter.
func (f DomainFilter) MatchesDomain(id, name string) bool {
	if f.domainID != "" {
		return id == f.domainID
	}
	if len(f.names) == 0 {
		return true
	}
	_, ok := f.names[name]
	return ok
}

// Accepts reports whether the project's domain passes the filter.
func (f DomainFilter) Accepts(p Project) bool {
	return f.MatchesDomain(p.DomainID, p.DomainName)
}
