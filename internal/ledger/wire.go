// ABOUTME: Canonical wire shapes for access request payloads
// ABOUTME: Requested names resource kinds; approved binds specific instances

package ledger

import "encoding/json"

// ApprovalStatusApproved marks an approved entry in the approved payload.
const ApprovalStatusApproved = "approved"

// RequestedResources is what a third-party app asks for. It names kinds
// of access, never instances: no instance exists or is disclosed at
// request time.
type RequestedResources struct {
	ToolsetTypes []string       `json:"toolset_types"`
	McpServers   []McpServerRef `json:"mcp_servers"`
}

// McpServerRef names a remote MCP server by URL.
type McpServerRef struct {
	URL string `json:"url"`
}

// ApprovedResources is the owner's decision payload. Each entry binds
// the request to one specific owner-chosen instance.
type ApprovedResources struct {
	Toolsets []ToolsetApproval `json:"toolsets"`
	Mcps     []McpApproval     `json:"mcps"`
}

// ToolsetApproval grants access to one toolset instance.
type ToolsetApproval struct {
	ToolsetType string      `json:"toolset_type"`
	Status      string      `json:"status"`
	Instance    InstanceRef `json:"instance"`
}

// InstanceRef names an instance by id.
type InstanceRef struct {
	ID string `json:"id"`
}

// McpApproval grants access to one MCP instance. The nested instance
// carries its own status.
type McpApproval struct {
	URL      string         `json:"url"`
	Status   string         `json:"status"`
	Instance McpInstanceRef `json:"instance"`
}

// McpInstanceRef names an MCP instance by id with its approval status.
type McpInstanceRef struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ParseApproved decodes an approved payload from its stored JSON form.
func ParseApproved(raw string) (*ApprovedResources, error) {
	var approved ApprovedResources
	if err := json.Unmarshal([]byte(raw), &approved); err != nil {
		return nil, err
	}
	return &approved, nil
}

// InstanceIDs returns every instance id named in the approved payload.
func (a *ApprovedResources) InstanceIDs() []string {
	var ids []string
	for _, ts := range a.Toolsets {
		ids = append(ids, ts.Instance.ID)
	}
	for _, m := range a.Mcps {
		ids = append(ids, m.Instance.ID)
	}
	return ids
}
