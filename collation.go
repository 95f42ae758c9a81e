package litedb

import (
	"strings"

	"litedb/document"
	"litedb/storage"
)

// keyComparer returns an index.Comparer that orders single-field key values
// encoded by encodeKey according to coll (§6: "all key comparisons
// must honor" the engine's collation).
func keyComparer(coll storage.Collation) func(a, b []byte) int {
	return func(a, b []byte) int {
		av, _, errA := decodeKeyValue(a)
		bv, _, errB := decodeKeyValue(b)
		if errA != nil || errB != nil {
			return compareBytes(a, b)
		}
		return compareValues(av, bv, coll)
	}
}

// decodeKeyValue reads one [type:byte][value] pair, the representation an
// index key is stored in (see encodeKey).
func decodeKeyValue(buf []byte) (interface{}, int, error) {
	if len(buf) == 0 {
		return nil, 0, nil
	}
	t := document.FieldType(buf[0])
	v, n, err := document.DecodeValue(t, buf[1:])
	return v, n + 1, err
}

// encodeKey serializes a single document value into an index key, matching
// decodeKeyValue's [type:byte][value] layout.
func encodeKey(value interface{}) ([]byte, error) {
	t, v := document.InferType(value)
	enc, err := document.EncodeValue(t, v)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+len(enc))
	buf = append(buf, byte(t))
	buf = append(buf, enc...)
	return buf, nil
}

func compareValues(a, b interface{}, coll storage.Collation) int {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return compareKinds(a, b)
		}
		return compareStrings(av, bv, coll)
	case int64:
		bv, ok := b.(int64)
		if !ok {
			if bf, ok := b.(float64); ok {
				return compareFloat(float64(av), bf)
			}
			return compareKinds(a, b)
		}
		return compareInt64(av, bv)
	case float64:
		bv, ok := b.(float64)
		if !ok {
			if bi, ok := b.(int64); ok {
				return compareFloat(av, float64(bi))
			}
			return compareKinds(a, b)
		}
		return compareFloat(av, bv)
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return compareKinds(a, b)
		}
		return compareBool(av, bv)
	case nil:
		if b == nil {
			return 0
		}
		return -1
	default:
		return compareKinds(a, b)
	}
}

func compareStrings(a, b string, coll storage.Collation) int {
	if coll.IgnoreCase {
		a = strings.ToLower(a)
		b = strings.ToLower(b)
	}
	return strings.Compare(a, b)
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a {
		return -1
	}
	return 1
}

// compareKinds orders mismatched types by a fixed precedence, used only as
// a fallback when two keys hold different dynamic types (the document model's loose typing allows this).
func compareKinds(a, b interface{}) int {
	return compareBytes([]byte(kindRank(a)), []byte(kindRank(b)))
}

func kindRank(v interface{}) string {
	switch v.(type) {
	case nil:
		return "0"
	case bool:
		return "1"
	case int64, float64:
		return "2"
	case string:
		return "3"
	default:
		return "4"
	}
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
