package retrieval

import (
	"strings"

	"github.com/blevesearch/bleve"

	"github.com/deskhand/deskhand/internal/index"
)

// lexicalScores runs a keyword pass over the semantic candidates and returns
// per-chunk scores normalized to [0,1] by the best hit. Exact-term queries
// such as error codes get their recall boost here; the semantic score stays
// dominant in fusion.
func (e *Engine) lexicalScores(req Request, candidates []index.SearchResult) (map[string]float64, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	defer idx.Close()

	for _, cand := range candidates {
		doc := map[string]string{"text": cand.Chunk.Text}
		if err := idx.Index(cand.Chunk.ID, doc); err != nil {
			return nil, err
		}
	}

	terms := strings.TrimSpace(strings.Join(req.Keywords, " "))
	if terms == "" {
		terms = req.Query
	}
	query := bleve.NewMatchQuery(terms)
	searchReq := bleve.NewSearchRequestOptions(query, len(candidates), 0, false)
	res, err := idx.Search(searchReq)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64, len(res.Hits))
	if res.MaxScore <= 0 {
		return scores, nil
	}
	for _, hit := range res.Hits {
		scores[hit.ID] = hit.Score / res.MaxScore
	}
	return scores, nil
}
