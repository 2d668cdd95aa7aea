package routing

// TunnelTable maps tunnel ids to the client that registered them.
type TunnelTable struct {
	owners map[uint64]uint32
}

// NewTunnelTable creates an empty table.
func NewTunnelTable() *TunnelTable {
	return &TunnelTable{owners: make(map[uint64]uint32)}
}

// Register claims tunnelID for owner.
func (t *TunnelTable) Register(tunnelID uint64, owner uint32) error {
	if cur, ok := t.owners[tunnelID]; ok && cur != owner {
		return ErrAlreadyRegistered
	}
	t.owners[tunnelID] = owner
	return nil
}

// Deregister releases tunnelID if owner holds it.
func (t *TunnelTable) Deregister(tunnelID uint64, owner uint32) error {
	if cur, ok := t.owners[tunnelID]; !ok || cur != owner {
		return ErrNotRegistered
	}
	delete(t.owners, tunnelID)
	return nil
}

// DeregisterAll releases every tunnel held by owner.
func (t *TunnelTable) DeregisterAll(owner uint32) int {
	n := 0
	for id, cur := range t.owners {
		if cur == owner {
			delete(t.owners, id)
			n++
		}
	}
	return n
}

// Lookup returns the owner of tunnelID.
func (t *TunnelTable) Lookup(tunnelID uint64) (uint32, bool) {
	owner, ok := t.owners[tunnelID]
	return owner, ok
}

// Len returns the number of registered tunnels.
func (t *TunnelTable) Len() int { return len(t.owners) }
