package blocks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite"
)

// Store is a sqlite-backed code-block store with the same contract as the
// remote template API. It exists so the server can run self-contained; the
// session core never touches it except through the Provider interface.
type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Printf("Block store initialized at %s", dbPath)
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS codeblocks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		template TEXT NOT NULL DEFAULT '',
		solution TEXT NOT NULL DEFAULT '',
		explanation TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Block implements Provider. A non-numeric or unknown id is ErrNotFound, not
// an internal error: the joining connection caused it.
func (s *Store) Block(ctx context.Context, id string) (*Block, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", id, ErrNotFound)
	}

	var b Block
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, template, solution, explanation FROM codeblocks WHERE id = ?", n)
	var rowID int64
	if err := row.Scan(&rowID, &b.Name, &b.Template, &b.Solution, &b.Explanation); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("block %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	b.ID = strconv.FormatInt(rowID, 10)
	return &b, nil
}

func (s *Store) List(ctx context.Context) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, template, solution, explanation FROM codeblocks ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	blocks := make([]Block, 0)
	for rows.Next() {
		var b Block
		var rowID int64
		if err := rows.Scan(&rowID, &b.Name, &b.Template, &b.Solution, &b.Explanation); err != nil {
			return nil, err
		}
		b.ID = strconv.FormatInt(rowID, 10)
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func (s *Store) Create(ctx context.Context, b Block) (string, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO codeblocks (name, template, solution, explanation) VALUES (?, ?, ?, ?)",
		b.Name, b.Template, b.Solution, b.Explanation)
	if err != nil {
		return "", err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

func (s *Store) Update(ctx context.Context, id string, b Block) error {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("block %s: %w", id, ErrNotFound)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE codeblocks SET name = ?, template = ?, solution = ?, explanation = ?,
		 updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		b.Name, b.Template, b.Solution, b.Explanation, n)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("block %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("block %s: %w", id, ErrNotFound)
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM codeblocks WHERE id = ?", n)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("block %s: %w", id, ErrNotFound)
	}
	return nil
}

// Seed inserts the starter exercises if the store is empty.
func (s *Store) Seed(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM codeblocks").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	for _, b := range seedBlocks {
		if _, err := s.Create(ctx, b); err != nil {
			return err
		}
	}
	log.Printf("Seeded %d starter code blocks", len(seedBlocks))
	return nil
}

var seedBlocks = []Block{
	{
		Name:        "Async case",
		Template:    "async function fetchData() {\n  // fetch from /api/data and return the parsed JSON\n}",
		Solution:    "async function fetchData() {\n  const res = await fetch('/api/data');\n  return res.json();\n}",
		Explanation: "Use await to resolve the fetch promise before parsing.",
	},
	{
		Name:        "Array sum",
		Template:    "function sum(numbers) {\n  // return the sum of all numbers\n}",
		Solution:    "function sum(numbers) {\n  return numbers.reduce((a, b) => a + b, 0);\n}",
		Explanation: "reduce folds the array into a single value.",
	},
	{
		Name:        "Simple addition",
		Template:    "function add(a, b) {\n  // return the sum\n}",
		Solution:    "function add(a, b) {\n  return a + b;\n}",
		Explanation: "Return the sum of both arguments.",
	},
	{
		Name:        "Palindrome check",
		Template:    "function isPalindrome(word) {\n  // true if word reads the same backwards\n}",
		Solution:    "function isPalindrome(word) {\n  return word === word.split('').reverse().join('');\n}",
		Explanation: "Compare the word with its reversed form.",
	},
}
