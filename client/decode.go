package client

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/commontoolsinc/spacestore/codec"
	"github.com/commontoolsinc/spacestore/fanout"
)

// decodedDoc is one DocEntry's effect on a (space, docId) view: either a
// full replacement doc (snapshot) or a set of ordered change blobs to fold
// onto whatever the client already has cached for that document.
type decodedDoc struct {
	docID  string
	isFull bool
	doc    *codec.Doc
	blobs  [][]byte
}

// decodeDocEntry mirrors the encodings fanout.Engine and resume.Controller
// produce on the server side: a snapshot body is base64(codec.Save(doc)), a
// delta body is a JSON array of base64-encoded change blobs
// (fanout.encodeBlobs / resume.Controller.deltaDocs).
func decodeDocEntry(e fanout.DocEntry) (decodedDoc, error) {
	switch e.Kind {
	case fanout.KindSnapshot:
		raw, err := base64.StdEncoding.DecodeString(e.Body)
		if err != nil {
			return decodedDoc{}, fmt.Errorf("client: decode snapshot body: %w", err)
		}
		doc, err := codec.Load(e.DocID, raw)
		if err != nil {
			return decodedDoc{}, fmt.Errorf("client: load snapshot: %w", err)
		}
		return decodedDoc{docID: e.DocID, isFull: true, doc: doc}, nil
	case fanout.KindDelta:
		var encoded []string
		if err := json.Unmarshal([]byte(e.Body), &encoded); err != nil {
			return decodedDoc{}, fmt.Errorf("client: decode delta body: %w", err)
		}
		blobs := make([][]byte, len(encoded))
		for i, s := range encoded {
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return decodedDoc{}, fmt.Errorf("client: decode delta blob %d: %w", i, err)
			}
			blobs[i] = b
		}
		return decodedDoc{docID: e.DocID, blobs: blobs}, nil
	default:
		return decodedDoc{}, fmt.Errorf("client: unknown doc entry kind %q", e.Kind)
	}
}
