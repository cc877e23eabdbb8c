package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/bencode"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/wire"
	"golang.org/x/exp/slices"
)

// Group is the locally stored view of a group. Version only ever comes from the wire.
type Group struct {
	ID         ids.ID
	Version    uint64
	Admin      string
	Title      string
	Avatar     *wire.AttachmentPointer
	AvatarData []byte
	Active     bool
	Members    []string
}

func (g *Group) IsMember(name string) bool {
	return slices.Contains(g.Members, name)
}

type groupRow struct {
	ID         []byte `db:"id"`
	Version    uint64 `db:"version"`
	Admin      string `db:"admin"`
	Title      string `db:"title"`
	Avatar     []byte `db:"avatar"`
	AvatarData []byte `db:"avatar_data"`
	Active     bool   `db:"active"`
}

func (s *Store) Group(id ids.ID) (*Group, bool, error) {
	row := &groupRow{}
	if err := s.db.Tx.Get(row, "SELECT * FROM _groups WHERE id = $1", id[:]); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: error getting group: %w", err)
	}
	g := &Group{
		ID:         ids.IDFromBytes(row.ID),
		Version:    row.Version,
		Admin:      row.Admin,
		Title:      row.Title,
		AvatarData: row.AvatarData,
		Active:     row.Active,
	}
	if len(row.Avatar) != 0 {
		g.Avatar = &wire.AttachmentPointer{}
		if err := bencode.Deserialize(row.Avatar, g.Avatar); err != nil {
			return nil, false, fmt.Errorf("store: error decoding group avatar: %w", err)
		}
	}
	members, err := s.GroupMembers(id)
	if err != nil {
		return nil, false, err
	}
	g.Members = members
	return g, true, nil
}

func (s *Store) GroupMembers(id ids.ID) ([]string, error) {
	var members []string
	if err := s.db.Tx.Select(&members, "SELECT name FROM _group_members WHERE group_id = $1 ORDER BY name", id[:]); err != nil {
		return nil, fmt.Errorf("store: error listing group members: %w", err)
	}
	return members, nil
}

// UpsertGroup writes g and replaces its member list.
func (s *Store) UpsertGroup(g *Group) error {
	row := &groupRow{
		ID:         g.ID[:],
		Version:    g.Version,
		Admin:      g.Admin,
		Title:      g.Title,
		AvatarData: g.AvatarData,
		Active:     g.Active,
	}
	if g.Avatar != nil {
		b, err := bencode.Serialize(g.Avatar)
		if err != nil {
			return err
		}
		row.Avatar = b
	}
	if _, err := s.db.Tx.NamedExec("INSERT INTO _groups (id, version, admin, title, avatar, avatar_data, active) VALUES (:id, :version, :admin, :title, :avatar, :avatar_data, :active) ON CONFLICT(id) DO UPDATE SET version = :version, admin = :admin, title = :title, avatar = :avatar, avatar_data = :avatar_data, active = :active", row); err != nil {
		return fmt.Errorf("store: error upserting group: %w", err)
	}
	return s.SetGroupMembers(g.ID, g.Members)
}

func (s *Store) SetGroupMembers(id ids.ID, members []string) error {
	if _, err := s.db.Tx.Exec("DELETE FROM _group_members WHERE group_id = $1", id[:]); err != nil {
		return fmt.Errorf("store: error clearing group members: %w", err)
	}
	for _, m := range members {
		if _, err := s.db.Tx.Exec("INSERT INTO _group_members (group_id, name) VALUES ($1, $2) ON CONFLICT DO NOTHING", id[:], m); err != nil {
			return fmt.Errorf("store: error inserting group member: %w", err)
		}
	}
	return nil
}

func (s *Store) SetGroupAvatarData(id ids.ID, data []byte) error {
	if _, err := s.db.Tx.Exec("UPDATE _groups SET avatar_data = $1 WHERE id = $2", data, id[:]); err != nil {
		return fmt.Errorf("store: error setting group avatar: %w", err)
	}
	return nil
}

func (s *Store) Groups() ([]*Group, error) {
	var groupIDs [][]byte
	if err := s.db.Tx.Select(&groupIDs, "SELECT id FROM _groups ORDER BY id"); err != nil {
		return nil, fmt.Errorf("store: error listing groups: %w", err)
	}
	out := make([]*Group, 0, len(groupIDs))
	for _, id := range groupIDs {
		g, _, err := s.Group(ids.IDFromBytes(id))
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}
