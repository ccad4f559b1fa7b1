package store

import "fmt"

// UpsertSite creates or renames a site lookup row.
func (s *Store) UpsertSite(id, name string) error {
	_, err := s.conn.Exec(`
		INSERT INTO loop_sites (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, id, name)
	if err != nil {
		return fmt.Errorf("upsert site %s: %w", id, err)
	}
	return nil
}

// UpsertNode creates or renames a node lookup row under a site.
func (s *Store) UpsertNode(id, siteID, name string) error {
	_, err := s.conn.Exec(`
		INSERT INTO loop_nodes (id, site_id, name) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET site_id = excluded.site_id, name = excluded.name
	`, id, siteID, name)
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", id, err)
	}
	return nil
}
