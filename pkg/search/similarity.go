package search

// DefaultPrefixScale is the Winkler boost per common prefix character.
const DefaultPrefixScale = 0.1

// maxPrefix caps the common prefix considered by the Winkler boost.
const maxPrefix = 4

// Scorer computes Jaro-Winkler similarity.
type Scorer struct {
	PrefixScale float64
}

// Similarity scores a and b with the default prefix scale.
func Similarity(a, b string) float64 {
	return Scorer{PrefixScale: DefaultPrefixScale}.Score(a, b)
}

// Score returns a value in [0, 1]; 1 means identical. Strings are compared
// by Unicode code point.
func (s Scorer) Score(a, b string) float64 {
	if a == b {
		return 1.0
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0.0
	}
	jaro := jaro(ra, rb)
	if jaro == 0 {
		return 0.0
	}
	l := commonPrefix(ra, rb)
	return jaro + float64(l)*s.PrefixScale*(1-jaro)
}

func jaro(a, b []rune) float64 {
	window := max(len(a), len(b))/2 - 1
	if window < 0 {
		window = 0
	}
	aMatched := make([]bool, len(a))
	bMatched := make([]bool, len(b))
	matches := 0
	for i, ca := range a {
		lo := max(0, i-window)
		hi := min(len(b), i+window+1)
		for j := lo; j < hi; j++ {
			if bMatched[j] || b[j] != ca {
				continue
			}
			aMatched[i] = true
			bMatched[j] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0
	}
	half := 0
	k := 0
	for i := range a {
		if !aMatched[i] {
			continue
		}
		for !bMatched[k] {
			k++
		}
		if a[i] != b[k] {
			half++
		}
		k++
	}
	m := float64(matches)
	t := float64(half) / 2
	return (m/float64(len(a)) + m/float64(len(b)) + (m-t)/m) / 3
}

func commonPrefix(a, b []rune) int {
	limit := min(maxPrefix, len(a), len(b))
	n := 0
	for n < limit && a[n] == b[n] {
		n++
	}
	return n
}
