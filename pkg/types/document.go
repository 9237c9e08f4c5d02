package types

// ============================================================================
// data.json codec
// Purpose: canonical, lossless serialization of a Job
//
// Layout (fixed key order, two-space indent, trailing newline):
//
//	{
//	  "id": ...,
//	  "paths": {"upload", "data", "blend", "frames", "filename"},
//	  "status": ...,
//	  "history": [{"timestamp", "from", "to"}, ...],
//	  "tasks": [{"id", "descriptor", "status", "history", "output", "data"}, ...],
//	  "data": {...},
//	  "created_at": ...,
//	  "updated_at": ...
//	}
//
// The decoder accepts any key order but rejects unknown, duplicated or null
// keys and anything after the top-level object.
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"
)

type pathsDocument struct {
	Upload   string `json:"upload"`
	Data     string `json:"data"`
	Blend    string `json:"blend"`
	Frames   string `json:"frames"`
	Filename string `json:"filename"`
}

type entryDocument struct {
	Timestamp string `json:"timestamp"`
	From      Status `json:"from"`
	To        Status `json:"to"`
}

type taskDocument struct {
	ID         string            `json:"id"`
	Descriptor string            `json:"descriptor"`
	Status     Status            `json:"status"`
	History    []entryDocument   `json:"history"`
	Output     []string          `json:"output"`
	Data       map[string]string `json:"data"`
}

type jobDocument struct {
	ID        string            `json:"id"`
	Paths     pathsDocument     `json:"paths"`
	Status    Status            `json:"status"`
	History   []entryDocument   `json:"history"`
	Tasks     []taskDocument    `json:"tasks"`
	Data      map[string]string `json:"data"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
}

// ============================================================================
// Encoding
// ============================================================================

// ToDocument serializes the job into its canonical data.json form.
// The output is deterministic: an unmutated job always yields the same bytes.
// It fails with ErrUnencodable if a string field is not valid UTF-8 or a
// timestamp falls outside years 0000-9999, since neither survives a round
// trip.
func (j *Job) ToDocument() ([]byte, error) {
	doc, err := j.document()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode job %q: %w", j.id, err)
	}
	return buf.Bytes(), nil
}

// MarshalJSON lets a Job be embedded in other JSON payloads.
func (j *Job) MarshalJSON() ([]byte, error) {
	return j.ToDocument()
}

// UnmarshalJSON replaces j with the decoded document.
func (j *Job) UnmarshalJSON(data []byte) error {
	decoded, err := FromDocument(data)
	if err != nil {
		return err
	}
	*j = *decoded
	return nil
}

func (j *Job) document() (jobDocument, error) {
	var v utf8Check
	v.check("id", j.id)
	v.check("paths.upload", j.paths.Upload)
	v.check("paths.data", j.paths.Data)
	v.check("paths.blend", j.paths.Blend)
	v.check("paths.frames", j.paths.Frames)
	v.check("paths.filename", j.paths.Filename)
	v.checkMap("data", j.data)
	v.checkTime("created_at", j.createdAt)
	v.checkTime("updated_at", j.updatedAt)
	v.checkHistory("history", j.history)

	doc := jobDocument{
		ID: j.id,
		Paths: pathsDocument{
			Upload:   j.paths.Upload,
			Data:     j.paths.Data,
			Blend:    j.paths.Blend,
			Frames:   j.paths.Frames,
			Filename: j.paths.Filename,
		},
		Status:    j.Status(),
		History:   encodeHistory(j.history),
		Tasks:     make([]taskDocument, 0, len(j.tasks)),
		Data:      j.Data(),
		CreatedAt: formatTime(j.createdAt),
		UpdatedAt: formatTime(j.updatedAt),
	}

	for i, t := range j.tasks {
		where := fmt.Sprintf("tasks[%d]", i)
		v.check(where+".id", t.id)
		v.check(where+".descriptor", t.descriptor)
		for k, out := range t.output {
			v.check(fmt.Sprintf("%s.output[%d]", where, k), out)
		}
		v.checkMap(where+".data", t.data)
		v.checkHistory(where+".history", t.history)

		doc.Tasks = append(doc.Tasks, taskDocument{
			ID:         t.id,
			Descriptor: t.descriptor,
			Status:     t.Status(),
			History:    encodeHistory(t.history),
			Output:     t.Output(),
			Data:       t.Data(),
		})
	}

	if v.err != nil {
		return jobDocument{}, fmt.Errorf("encode job %q: %w", j.id, v.err)
	}
	return doc, nil
}

func encodeHistory(h History) []entryDocument {
	out := make([]entryDocument, 0, len(h.entries))
	for _, e := range h.entries {
		out = append(out, entryDocument{
			Timestamp: formatTime(e.Timestamp),
			From:      e.From,
			To:        e.To,
		})
	}
	return out
}

// utf8Check remembers the first string or timestamp that would not survive
// encoding.
type utf8Check struct {
	err error
}

func (c *utf8Check) check(where, s string) {
	if c.err == nil && !utf8.ValidString(s) {
		c.err = fmt.Errorf("%w: %s is not valid UTF-8", ErrUnencodable, where)
	}
}

func (c *utf8Check) checkMap(where string, m map[string]string) {
	for k, val := range m {
		c.check(where+" key", k)
		c.check(where+"["+k+"]", val)
	}
}

func (c *utf8Check) checkTime(where string, t time.Time) {
	if c.err == nil {
		if err := checkTimestamp(t); err != nil {
			c.err = fmt.Errorf("%s: %w", where, err)
		}
	}
}

func (c *utf8Check) checkHistory(where string, h History) {
	for i, e := range h.entries {
		c.checkTime(fmt.Sprintf("%s[%d].timestamp", where, i), e.Timestamp)
	}
}

// ============================================================================
// Decoding
// ============================================================================

var (
	jobKeys   = []string{"id", "paths", "status", "history", "tasks", "data", "created_at", "updated_at"}
	pathsKeys = []string{"upload", "data", "blend", "frames", "filename"}
	entryKeys = []string{"timestamp", "from", "to"}
	taskKeys  = []string{"id", "descriptor", "status", "history", "output", "data"}
)

// FromDocument parses a data.json document into a Job.
//
// Errors wrap ErrMalformedDocument for structural problems and missing or
// unknown fields, ErrInvalidTransition for a history that breaks the state
// machine, and ErrDuplicateTaskID for repeated task ids. Invalid UTF-8 and
// unpaired surrogate escapes are malformed rather than replaced with U+FFFD.
func FromDocument(doc []byte) (*Job, error) {
	if !utf8.Valid(doc) {
		return nil, malformed("document is not valid UTF-8")
	}
	if err := checkSurrogates(doc); err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, malformed("%v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, malformed("trailing content after document")
	}

	obj, err := decodeObject(raw, "document", jobKeys)
	if err != nil {
		return nil, err
	}

	j := &Job{}

	if err := obj.requiredString("id", &j.id); err != nil {
		return nil, err
	}
	if j.paths, err = decodePaths(obj); err != nil {
		return nil, err
	}
	if j.history, err = decodeHistory(obj, "history"); err != nil {
		return nil, err
	}
	if err := checkStatus(obj, "status", j.history); err != nil {
		return nil, err
	}
	if j.tasks, err = decodeTasks(obj); err != nil {
		return nil, err
	}
	if j.data, err = decodeData(obj, "data"); err != nil {
		return nil, err
	}
	if j.createdAt, err = obj.requiredTime("created_at"); err != nil {
		return nil, err
	}
	if j.updatedAt, err = obj.requiredTime("updated_at"); err != nil {
		return nil, err
	}
	if j.updatedAt.Before(j.createdAt) {
		return nil, malformed("updated_at %s is before created_at %s",
			formatTime(j.updatedAt), formatTime(j.createdAt))
	}
	return j, nil
}

func decodePaths(obj object) (Paths, error) {
	raw, ok, err := obj.field("paths", true)
	if err != nil || !ok {
		return Paths{}, err
	}
	p, err := decodeObject(raw, "paths", pathsKeys)
	if err != nil {
		return Paths{}, err
	}
	var out Paths
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"upload", &out.Upload},
		{"data", &out.Data},
		{"blend", &out.Blend},
		{"frames", &out.Frames},
		{"filename", &out.Filename},
	} {
		if err := p.optionalString(f.key, f.dst); err != nil {
			return Paths{}, err
		}
	}
	return out, nil
}

// decodeHistory rebuilds a History by replaying each entry through Append,
// so every edge and the from/to chain are validated.
func decodeHistory(obj object, key string) (History, error) {
	items, err := obj.requiredArray(key)
	if err != nil {
		return History{}, err
	}
	var h History
	for i, item := range items {
		where := fmt.Sprintf("%s[%d]", obj.qualify(key), i)
		e, err := decodeObject(item, where, entryKeys)
		if err != nil {
			return History{}, err
		}
		ts, err := e.requiredTime("timestamp")
		if err != nil {
			return History{}, err
		}
		from, err := e.requiredStatus("from")
		if err != nil {
			return History{}, err
		}
		to, err := e.requiredStatus("to")
		if err != nil {
			return History{}, err
		}
		if err := h.Append(from, to, ts); err != nil {
			return History{}, fmt.Errorf("%s: %w", where, err)
		}
	}
	return h, nil
}

func checkStatus(obj object, key string, h History) error {
	status, err := obj.requiredStatus(key)
	if err != nil {
		return err
	}
	if status != h.Current() {
		return malformed("%s is %q but history ends at %q", obj.qualify(key), status, h.Current())
	}
	return nil
}

func decodeTasks(obj object) ([]*Task, error) {
	items, err := obj.requiredArray("tasks")
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	tasks := make([]*Task, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		where := fmt.Sprintf("tasks[%d]", i)
		o, err := decodeObject(item, where, taskKeys)
		if err != nil {
			return nil, err
		}
		t := &Task{}
		if err := o.requiredString("id", &t.id); err != nil {
			return nil, err
		}
		if _, dup := seen[t.id]; dup {
			return nil, fmt.Errorf("%s: %w", where, &DuplicateTaskIDError{ID: t.id})
		}
		seen[t.id] = struct{}{}
		if err := o.requiredString("descriptor", &t.descriptor); err != nil {
			return nil, err
		}
		if t.history, err = decodeHistory(o, "history"); err != nil {
			return nil, err
		}
		if err := checkStatus(o, "status", t.history); err != nil {
			return nil, err
		}
		if t.output, err = decodeOutput(o); err != nil {
			return nil, err
		}
		if t.data, err = decodeData(o, "data"); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func decodeOutput(obj object) ([]string, error) {
	raw, ok, err := obj.field("output", false)
	if err != nil || !ok {
		return nil, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, malformed("%s must be an array of strings", obj.qualify("output"))
	}
	if len(items) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		var s string
		if err := decodeString(item, &s); err != nil {
			return nil, malformed("%s[%d] must be a string", obj.qualify("output"), i)
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeData(obj object, key string) (map[string]string, error) {
	raw, ok, err := obj.field(key, false)
	if err != nil || !ok {
		return nil, err
	}
	m, err := decodeObject(raw, obj.qualify(key), nil)
	if err != nil {
		return nil, err
	}
	if len(m.fields) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(m.fields))
	for k, v := range m.fields {
		var s string
		if err := decodeString(v, &s); err != nil {
			return nil, malformed("%s must be a string", m.qualify(k))
		}
		out[k] = s
	}
	return out, nil
}

// ============================================================================
// Strict object reader
// ============================================================================

// object is one JSON object split into raw fields, with its location in the
// document for error messages.
type object struct {
	where  string
	fields map[string]json.RawMessage
}

// decodeObject reads raw as a JSON object. A nil allowed list accepts any
// key; otherwise keys outside it are rejected. Duplicate keys are rejected
// either way.
func decodeObject(raw json.RawMessage, where string, allowed []string) (object, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return object{}, malformed("%s: %v", where, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return object{}, malformed("%s must be an object", where)
	}

	obj := object{where: where, fields: make(map[string]json.RawMessage)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return object{}, malformed("%s: %v", where, err)
		}
		key, ok := tok.(string)
		if !ok {
			return object{}, malformed("%s: expected key", where)
		}
		if allowed != nil && !contains(allowed, key) {
			return object{}, malformed("%s: unknown field %q", where, key)
		}
		if _, dup := obj.fields[key]; dup {
			return object{}, malformed("%s: duplicate field %q", where, key)
		}
		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return object{}, malformed("%s.%s: %v", where, key, err)
		}
		obj.fields[key] = val
	}
	if _, err := dec.Token(); err != nil {
		return object{}, malformed("%s: %v", where, err)
	}
	return obj, nil
}

func (o object) qualify(key string) string {
	if o.where == "document" {
		return key
	}
	return o.where + "." + key
}

// field returns the raw value of key. Null is never accepted.
func (o object) field(key string, required bool) (json.RawMessage, bool, error) {
	raw, ok := o.fields[key]
	if !ok {
		if required {
			return nil, false, malformed("missing field %q", o.qualify(key))
		}
		return nil, false, nil
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, false, malformed("%s must not be null", o.qualify(key))
	}
	return raw, true, nil
}

func (o object) requiredString(key string, dst *string) error {
	raw, _, err := o.field(key, true)
	if err != nil {
		return err
	}
	if err := decodeString(raw, dst); err != nil {
		return malformed("%s must be a string", o.qualify(key))
	}
	return nil
}

func (o object) optionalString(key string, dst *string) error {
	raw, ok, err := o.field(key, false)
	if err != nil || !ok {
		return err
	}
	if err := decodeString(raw, dst); err != nil {
		return malformed("%s must be a string", o.qualify(key))
	}
	return nil
}

func (o object) requiredStatus(key string) (Status, error) {
	var s string
	if err := o.requiredString(key, &s); err != nil {
		return "", err
	}
	st, err := ParseStatus(s)
	if err != nil {
		return "", malformed("%s: %v", o.qualify(key), err)
	}
	return st, nil
}

func (o object) requiredTime(key string) (time.Time, error) {
	var s string
	if err := o.requiredString(key, &s); err != nil {
		return time.Time{}, err
	}
	t, err := parseTime(s)
	if err != nil {
		return time.Time{}, malformed("%s: %v", o.qualify(key), err)
	}
	return t, nil
}

func (o object) requiredArray(key string) ([]json.RawMessage, error) {
	raw, _, err := o.field(key, true)
	if err != nil {
		return nil, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, malformed("%s must be an array", o.qualify(key))
	}
	return items, nil
}

// decodeString accepts only a JSON string.
func decodeString(raw json.RawMessage, dst *string) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return errors.New("not a string")
	}
	return json.Unmarshal(trimmed, dst)
}

// checkSurrogates rejects \u escapes that hold half of a surrogate pair on
// their own. encoding/json would decode them to U+FFFD.
func checkSurrogates(doc []byte) error {
	for i := 0; i < len(doc); i++ {
		if doc[i] != '\\' || i+1 >= len(doc) {
			continue
		}
		if doc[i+1] != 'u' {
			i++ // skip the escaped character, which may be a backslash
			continue
		}
		start := i
		r, ok := hex4(doc, i+2)
		if !ok {
			i++
			continue
		}
		i += 5
		switch {
		case r >= 0xD800 && r < 0xDC00:
			if i+6 < len(doc) && doc[i+1] == '\\' && doc[i+2] == 'u' {
				if lo, ok := hex4(doc, i+3); ok && lo >= 0xDC00 && lo < 0xE000 {
					i += 6
					continue
				}
			}
			return malformed("unpaired surrogate escape at byte %d", start)
		case r >= 0xDC00 && r < 0xE000:
			return malformed("unpaired surrogate escape at byte %d", start)
		}
	}
	return nil
}

// hex4 reads four hex digits at b[at:].
func hex4(b []byte, at int) (int, bool) {
	if at+4 > len(b) {
		return 0, false
	}
	n := 0
	for _, c := range b[at : at+4] {
		switch {
		case c >= '0' && c <= '9':
			n = n<<4 | int(c-'0')
		case c >= 'a' && c <= 'f':
			n = n<<4 | int(c-'a'+10)
		case c >= 'A' && c <= 'F':
			n = n<<4 | int(c-'A'+10)
		default:
			return 0, false
		}
	}
	return n, true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
