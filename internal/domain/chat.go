package domain

// Location is an optional user location attached to a chat turn.
type Location struct {
	Address   string  `json:"address,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// UserContext carries structured per-user fields the mobile client may attach
// to a turn. It only ever influences the text sent to the remote assistant,
// never the persisted message content.
type UserContext struct {
	Goals       []string  `json:"goals,omitempty"`
	Constraints []string  `json:"constraints,omitempty"`
	Location    *Location `json:"location,omitempty"`
}

// Empty reports whether the context carries no usable fields.
func (c *UserContext) Empty() bool {
	if c == nil {
		return true
	}
	if len(c.Goals) > 0 || len(c.Constraints) > 0 {
		return false
	}
	loc := c.Location
	return loc == nil || (loc.Address == "" && loc.Latitude == 0 && loc.Longitude == 0)
}
