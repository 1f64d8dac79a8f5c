package api

import (
	"context"
	"encoding/json"

	"github.com/warp/quote-engine/quote"
)

// JSONRenderer renders documents as JSON. PDF rendering plugs in through the
// same quote.Renderer interface.
type JSONRenderer struct{}

func (JSONRenderer) Render(_ context.Context, doc quote.DocumentSnapshot) (string, []byte, error) {
	body, err := json.Marshal(toDocumentDTO(doc))
	if err != nil {
		return "", nil, err
	}
	return "application/json", body, nil
}
