package params

import (
	"io"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ManifestEntry is one parameter as seen by external tools.
type ManifestEntry struct {
	Unit     string   `json:"unit"`
	Category string   `json:"category"`
	Minimum  float32  `json:"minimum"`
	Maximum  float32  `json:"maximum"`
	Default  float32  `json:"default"`
	ID       uint16   `json:"id"`
	IsParam  int      `json:"isparam"`
	Value    *float32 `json:"value,omitempty"`
}

// WriteManifest streams the registry as a JSON object keyed by parameter
// name, in declaration order. Spot values and the version parameter carry
// their current value.
func WriteManifest(w io.Writer, reg *Registry) error {
	stream := jsoniter.NewStream(json, w, 4096)
	stream.WriteObjectStart()
	for i := 0; i < reg.Len(); i++ {
		num := Num(i)
		if i > 0 {
			stream.WriteMore()
		}
		stream.WriteObjectField(reg.GetAttrib(num).Name)
		stream.WriteVal(manifestEntry(reg, num))
	}
	stream.WriteObjectEnd()
	if stream.Error != nil {
		return errors.Wrap(stream.Error, "encode manifest")
	}
	return errors.Wrap(stream.Flush(), "write manifest")
}

func manifestEntry(reg *Registry, num Num) ManifestEntry {
	a := reg.GetAttrib(num)
	e := ManifestEntry{
		Unit:     a.Unit,
		Category: a.Category,
		Minimum:  a.Min,
		Maximum:  a.Max,
		Default:  a.Def,
		ID:       a.ID,
	}
	if a.Type == TypeParam {
		e.IsParam = 1
	}
	if a.Type == TypeSpotValue || a.Name == "version" {
		v := reg.GetFloat(num)
		e.Value = &v
	}
	return e
}

// ReadManifest decodes a manifest written by WriteManifest.
func ReadManifest(r io.Reader) (map[string]ManifestEntry, error) {
	out := make(map[string]ManifestEntry)
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decode manifest")
	}
	return out, nil
}
