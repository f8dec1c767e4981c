package correction

import "math"

func domainHits(corrections map[Category]CategoryStats) int {
	n := 0
	for c, s := range corrections {
		if isDomain(c) {
			n += s.Count
		}
	}
	return n
}

// confidence blends four signals in [0,1]: how little the length moved,
// whether the document type was recognized, how few corrections were
// needed, and how much domain vocabulary was found.
func confidence(w Weights, m Metadata, domain int) float64 {
	if m.OriginalLength == 0 {
		return 0
	}

	lengthScore := 1 - math.Abs(float64(m.CleanedLength-m.OriginalLength))/float64(m.OriginalLength)
	if lengthScore < 0 {
		lengthScore = 0
	}

	typeScore := 0.0
	if m.DocumentType != Unknown {
		typeScore = 1
	}

	changeScore := 1 / (1 + float64(m.TotalCorrections)/10)
	domainScore := math.Min(1, float64(domain)/5)

	sum := w.Length + w.DocumentType + w.ChangeCount + w.Domain
	if sum <= 0 {
		return 0
	}
	score := (w.Length*lengthScore + w.DocumentType*typeScore + w.ChangeCount*changeScore + w.Domain*domainScore) / sum
	score = math.Max(0, math.Min(1, score))
	return math.Round(score*1000) / 1000
}
