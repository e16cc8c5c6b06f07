package directory

import "github.com/MakerMaker19/meerkat-catalog/pkg/servers"

// BestServer picks from candidates by score: the best online server the
// user may access, else the best accessible one, else the best overall.
// maxTier is the highest tier the user has access to.
func BestServer(candidates []servers.Server, maxTier servers.Tier) (servers.Server, bool) {
	if len(candidates) == 0 {
		return servers.Server{}, false
	}
	ranked := servers.SortByScore(candidates)

	for i := range ranked {
		if ranked[i].Tier <= maxTier && ranked[i].Online() {
			return ranked[i], true
		}
	}
	for i := range ranked {
		if ranked[i].Tier <= maxTier {
			return ranked[i], true
		}
	}
	return ranked[0], true
}

// Fastest returns the best server outside gateways and Secure Core.
func (d *Directory) Fastest(maxTier servers.Tier) (servers.Server, bool) {
	st := d.snapshot()
	var pool []servers.Server
	for i := range st.list {
		s := &st.list[i]
		if s.IsGateway() || s.IsSecureCore() || !s.IsVisible {
			continue
		}
		pool = append(pool, *s)
	}
	best, ok := BestServer(pool, maxTier)
	if !ok {
		return servers.Server{}, false
	}
	return best.Clone(), true
}
