package extraction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ekaya-inc/ekaya-import/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

// parseStructured reads a JSON array of objects or newline-delimited objects.
// Columns appear in order of first occurrence; nested values are kept as compact JSON.
func parseStructured(data []byte) (*table, error) {
	data = bytes.TrimPrefix(data, byteOrderMark)
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	malformed := func(err error) error {
		return &apperrors.MalformedInputError{Format: string(models.FileFormatJSON), Offset: dec.InputOffset(), Err: err}
	}

	first, err := dec.Token()
	if err == io.EOF {
		return nil, &apperrors.EmptyInputError{Format: string(models.FileFormatJSON)}
	}
	if err != nil {
		return nil, malformed(err)
	}

	var objects []orderedObject
	switch first {
	case json.Delim('['):
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil, malformed(err)
			}
			if tok != json.Delim('{') {
				return nil, malformed(fmt.Errorf("array element %d is not an object", len(objects)))
			}
			obj, err := readObject(dec)
			if err != nil {
				return nil, malformed(err)
			}
			objects = append(objects, obj)
		}
		if _, err := dec.Token(); err != nil {
			return nil, malformed(err)
		}
	case json.Delim('{'):
		obj, err := readObject(dec)
		if err != nil {
			return nil, malformed(err)
		}
		objects = append(objects, obj)
		for {
			tok, err := dec.Token()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, malformed(err)
			}
			if tok != json.Delim('{') {
				return nil, malformed(errors.New("expected one JSON object per line"))
			}
			obj, err := readObject(dec)
			if err != nil {
				return nil, malformed(err)
			}
			objects = append(objects, obj)
		}
	default:
		return nil, malformed(errors.New("expected a JSON array or object"))
	}

	if len(objects) == 0 {
		return nil, &apperrors.EmptyInputError{Format: string(models.FileFormatJSON)}
	}

	var header []string
	index := make(map[string]int)
	for _, obj := range objects {
		for _, k := range obj.keys {
			if _, ok := index[k]; !ok {
				index[k] = len(header)
				header = append(header, k)
			}
		}
	}

	rows := make([][]string, len(objects))
	for i, obj := range objects {
		row := make([]string, len(header))
		for _, k := range obj.keys {
			row[index[k]] = obj.values[k]
		}
		rows[i] = row
	}

	return &table{header: header, rows: rows}, nil
}

type orderedObject struct {
	keys   []string
	values map[string]string
}

// readObject reads key/value pairs after the opening brace has been consumed.
func readObject(dec *json.Decoder) (orderedObject, error) {
	obj := orderedObject{values: make(map[string]string)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return obj, err
		}
		key, ok := tok.(string)
		if !ok {
			return obj, fmt.Errorf("expected object key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return obj, err
		}
		if _, seen := obj.values[key]; !seen {
			obj.keys = append(obj.keys, key)
		}
		obj.values[key] = scalarString(raw)
	}
	if _, err := dec.Token(); err != nil {
		return obj, err
	}
	return obj, nil
}

func scalarString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		return ""
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	case trimmed[0] == '{' || trimmed[0] == '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err == nil {
			return buf.String()
		}
	}
	return string(trimmed)
}
