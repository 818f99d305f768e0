package wire

import "fmt"

// Requester identifies the user who asked for a file set. It is a value
// type: equality covers all three fields, so it can key sets and maps
// directly. ID may be empty for requests that arrive without an external
// identity.
type Requester struct {
	Name  string
	Email string
	ID    string
}

// String renders the requester in the form used by logs and result
// summaries: "Name (id) <email>".
func (r Requester) String() string {
	return fmt.Sprintf("%s (%s) <%s>", r.Name, r.ID, r.Email)
}
