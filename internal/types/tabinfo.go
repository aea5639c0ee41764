package types

// TabID identifies a browser tab. It is the CDP target ID of the page.
type TabID string

// FrameID identifies a frame inside a tab. The top frame uses the tab's target ID.
type FrameID string

// TabInfo holds metadata about a browser tab known to the coordinator.
type TabInfo struct {
	TabID    TabID  `json:"tab_id"`
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Attached bool   `json:"attached"`
	ShortID  string `json:"short_id"` // First 8 chars of the target ID, e.g. "B0D5A8E8"
}

// TabInfoProvider looks up tab information by ID.
// This breaks the import cycle between the hub and cdp packages.
type TabInfoProvider interface {
	Get(tabID TabID) (*TabInfo, bool)
}

// ShortTabID returns the first 8 chars of a tab ID.
func ShortTabID(tabID TabID) string {
	if len(tabID) >= 8 {
		return string(tabID[:8])
	}
	return string(tabID)
}
