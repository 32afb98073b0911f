package rentsync

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Fixtures describe a MemoryStore's initial contents:
//
//	users:
//	  - email: sari@example.com
//	    password: secret1
//	    username: sari
//	tables:
//	  items:
//	    - id: item-1
//	      title: Tenda 4 orang
//	      owner_id: "@sari@example.com"
//
// A string value of the form "@<email>" is replaced by that fixture user's
// generated id.
type Fixtures struct {
	Users  []FixtureUser               `yaml:"users"`
	Tables map[string][]map[string]any `yaml:"tables"`
}

type FixtureUser struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	Username string `yaml:"username"`
}

// LoadFixtures reads a YAML fixture file.
func LoadFixtures(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	return ParseFixtures(data)
}

func ParseFixtures(data []byte) (*Fixtures, error) {
	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	return &f, nil
}

// Apply registers the users (with a profile row each) and seeds the
// tables, in table order items, wishlist, chats, messages. It returns the
// user ids by email.
func (f *Fixtures) Apply(ctx context.Context, s *MemoryStore) (map[string]string, error) {
	ids := make(map[string]string, len(f.Users))
	for _, u := range f.Users {
		id, err := s.register(ctx, u.Email, u.Password)
		if err != nil {
			return nil, fmt.Errorf("fixture user %s: %w", u.Email, err)
		}
		ids[u.Email] = id.ID
		s.Seed(TableUsers, profileToRecord(Profile{ID: id.ID, Username: u.Username, Email: id.Email}))
	}

	order := []string{TableItems, TableWishlist, TableChats, TableMessages}
	seen := map[string]bool{TableUsers: true}
	for _, t := range order {
		seen[t] = true
	}
	for t := range f.Tables {
		if !seen[t] {
			order = append(order, t)
		}
	}

	for _, table := range order {
		rows := f.Tables[table]
		recs := make([]Record, 0, len(rows))
		for _, row := range rows {
			rec := make(Record, len(row))
			for k, v := range row {
				rec[k] = fixtureValue(v, ids)
			}
			recs = append(recs, rec)
		}
		if len(recs) > 0 {
			s.Seed(table, recs...)
		}
	}
	return ids, nil
}

func fixtureValue(v any, ids map[string]string) any {
	switch vv := v.(type) {
	case string:
		if len(vv) > 1 && vv[0] == '@' {
			if id, ok := ids[vv[1:]]; ok {
				return id
			}
		}
		return vv
	case time.Time:
		return formatTimestamp(vv)
	case int:
		return float64(vv)
	case []any:
		out := make([]any, len(vv))
		for i, e := range vv {
			out[i] = fixtureValue(e, ids)
		}
		return out
	}
	return v
}
