package relay

import "encoding/json"

// OpInsertValue and OpCreateSelection are the whitelisted operation
// names (spec.md §3, §4.3). Any operation name not in this set is
// rejected by MessageHandler.dispatch (spec.md I5).
const (
	OpInsertValue    = "insert_value"
	OpCreateSelection = "create_selection"
)

// whitelist is the single source of truth for allowed operation names,
// replacing reflective method lookup per spec.md §9's design note: an
// explicit name -> behavior mapping, not "any method that happens to
// exist".
var whitelist = map[string]bool{
	OpInsertValue:     true,
	OpCreateSelection: true,
}

// envelope is the minimal shape MessageHandler needs to read the
// operation name out of an otherwise-opaque inbound frame.
type envelope struct {
	Operation string `json:"operation"`
}

// Change is one edit within an insert_value operation. Changes are
// ordered and, by contract (spec.md §3), non-overlapping.
type Change struct {
	From   int    `json:"from"`
	To     int    `json:"to"`
	Insert string `json:"insert"`
}

// InsertValueMessage is the insert_value operation payload.
type InsertValueMessage struct {
	Operation string   `json:"operation"`
	Changes   []Change `json:"changes"`
}

// ApplyChanges applies changes to code in reverse order, per spec.md
// §4.3.1 step 3 and invariant I6: changes are specified in document
// order left-to-right, but must be applied right-to-left so that an
// earlier change's [from,to) indices are never invalidated by a later
// change that already shifted the text beneath it.
//
// Indices are in UTF-8 code-unit (byte) terms, consistent with the
// stored text; each change must satisfy 0 <= from <= to <= len(code).
// Callers that built changes from spec-conformant input need not
// re-validate; ApplyChanges trusts its precondition like the handler
// that calls it trusts backend-stored text.
func ApplyChanges(code string, changes []Change) string {
	for i := len(changes) - 1; i >= 0; i-- {
		c := changes[i]
		code = code[:c.From] + c.Insert + code[c.To:]
	}
	return code
}

// parseOperation extracts the operation name from a raw inbound frame.
// ok is false if raw is not a JSON object or carries no "operation" key
// (spec.md §4.3 dispatch steps 1-2).
func parseOperation(raw []byte) (op string, body json.RawMessage, ok bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, false
	}
	if env.Operation == "" {
		return "", nil, false
	}
	return env.Operation, raw, true
}
