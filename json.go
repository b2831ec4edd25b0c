// json.go -- documents in extended JSON

package persist

import (
	"go.mongodb.org/mongo-driver/bson"
)

// ParseDocument decodes relaxed extended JSON into a Document. An empty
// input is the empty document.
func ParseDocument(js []byte) (Document, error) {
	doc := Document{}
	if len(js) == 0 {
		return doc, nil
	}
	if err := bson.UnmarshalExtJSON(js, false, &doc); err != nil {
		return nil, errDeserialization(err)
	}
	return doc, nil
}

// ParseOrdered decodes extended JSON keeping the field order, as sort
// and index specifications need.
func ParseOrdered(js []byte) (bson.D, error) {
	var d bson.D
	if len(js) == 0 {
		return d, nil
	}
	if err := bson.UnmarshalExtJSON(js, false, &d); err != nil {
		return nil, errDeserialization(err)
	}
	return d, nil
}

// MarshalDocument encodes doc as relaxed extended JSON.
func MarshalDocument(doc Document) ([]byte, error) {
	js, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return nil, errSerialization(err)
	}
	return js, nil
}
