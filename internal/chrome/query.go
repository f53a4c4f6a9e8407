package chrome

import (
	"context"
	"encoding/json"
	"fmt"
)

// QuerySelectorAll returns the node IDs of every element matching selector,
// in document order. Node IDs stay valid until the next call, which
// re-fetches the document root.
func (p *Page) QuerySelectorAll(ctx context.Context, selector string) ([]int64, error) {
	_, err := p.call(ctx, "DOM.enable", nil)
	if err != nil {
		return nil, fmt.Errorf("enabling DOM domain: %w", err)
	}

	docResult, err := p.call(ctx, "DOM.getDocument", nil)
	if err != nil {
		return nil, fmt.Errorf("getting document: %w", err)
	}

	var docResp struct {
		Root struct {
			NodeID int64 `json:"nodeId"`
		} `json:"root"`
	}
	if err := json.Unmarshal(docResult, &docResp); err != nil {
		return nil, fmt.Errorf("parsing document response: %w", err)
	}

	queryResult, err := p.call(ctx, "DOM.querySelectorAll", map[string]interface{}{
		"nodeId":   docResp.Root.NodeID,
		"selector": selector,
	})
	if err != nil {
		return nil, fmt.Errorf("querying selector: %w", err)
	}

	var queryResp struct {
		NodeIDs []int64 `json:"nodeIds"`
	}
	if err := json.Unmarshal(queryResult, &queryResp); err != nil {
		return nil, fmt.Errorf("parsing query response: %w", err)
	}

	return queryResp.NodeIDs, nil
}

// Attributes returns the attributes of a DOM node.
func (p *Page) Attributes(ctx context.Context, nodeID int64) (map[string]string, error) {
	result, err := p.call(ctx, "DOM.getAttributes", map[string]interface{}{
		"nodeId": nodeID,
	})
	if err != nil {
		return nil, fmt.Errorf("getting attributes: %w", err)
	}

	var resp struct {
		Attributes []string `json:"attributes"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parsing attributes response: %w", err)
	}

	// Chrome returns a flat array: [name, value, name, value, ...]
	attrs := make(map[string]string, len(resp.Attributes)/2)
	for i := 0; i+1 < len(resp.Attributes); i += 2 {
		attrs[resp.Attributes[i]] = resp.Attributes[i+1]
	}
	return attrs, nil
}
