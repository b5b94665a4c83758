package blocks

import (
	"context"
	"errors"
)

// Block is a code-block exercise: the template students start from, the
// target solution, and the mentor's explanation text.
type Block struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Template    string `json:"template"`
	Solution    string `json:"solution"`
	Explanation string `json:"explanation"`
}

// ErrNotFound is returned when no code block exists for the given id.
var ErrNotFound = errors.New("code block not found")

// Provider supplies code blocks by id. The session core only ever reads
// through this interface; it is backed either by the remote template API
// (Client) or by the bundled sqlite store (Store).
type Provider interface {
	Block(ctx context.Context, id string) (*Block, error)
}
