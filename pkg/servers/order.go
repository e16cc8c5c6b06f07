package servers

import "sort"

// CountryOrderLess orders servers inside a country bucket:
//  1. paid before free
//  2. server number < 100 before >= 100
//  3. ascending server number
func CountryOrderLess(a, b *Server) bool {
	if a.IsFree() != b.IsFree() {
		return !a.IsFree()
	}
	na, nb := a.ServerNumber(), b.ServerNumber()
	if (na >= 100) != (nb >= 100) {
		return na < 100
	}
	return na < nb
}

// SortForCountry sorts list in place with CountryOrderLess. Ties keep
// their original relative order.
func SortForCountry(list []Server) {
	sort.SliceStable(list, func(i, j int) bool {
		return CountryOrderLess(&list[i], &list[j])
	})
}

// SortByScore returns a copy of list ordered by ascending score.
func SortByScore(list []Server) []Server {
	out := make([]Server, len(list))
	copy(out, list)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score < out[j].Score
	})
	return out
}
