package weave

// ephemeral per-connection metadata broadcast. used only for read-side
// attribution of owner ids, never for locking correctness.
type PresenceState struct {
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
	Color       string `json:"color"`
}

type PresenceEvent struct {
	ClientId Id
	State    PresenceState
	Left     bool
}

type PresenceFunction func(event PresenceEvent)
