// Package testutil provides a fake DevTools endpoint for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/gorilla/websocket"
	"golang.org/x/net/html"
)

// Browser is an in-process DevTools endpoint. It serves /json/version and a
// browser WebSocket speaking the subset of the protocol used by linkdump,
// answering DOM queries from HTML fixtures registered with SetPage.
type Browser struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	pages     map[string]string // url -> html
	targets   []string
	nextTab   int
	conns     []*fakeConn
	calls     []string
	doc       *goquery.Document
	nodeIDs   map[*html.Node]int64
	nodes     map[int64]*html.Node
	nextNode  int64
	hangLoad  bool
	staleLoad bool
	sameDoc   bool
	navError  string
	loaders   int
	navigated chan struct{}
}

type fakeConn struct {
	ws       *websocket.Conn
	writeMu   sync.Mutex
	discover  bool
	lifecycle bool // guarded by Browser.mu
}

func (c *fakeConn) send(v interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.WriteJSON(v)
}

// NewBrowser starts a fake endpoint with one blank page target. It is shut
// down when the test ends.
func NewBrowser(t testing.TB) *Browser {
	t.Helper()

	b := &Browser{
		pages:     make(map[string]string),
		targets:   []string{"page-1"},
		nextTab:   1,
		navigated: make(chan struct{}, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", b.handleVersion)
	mux.HandleFunc("/devtools/browser/", b.handleWebSocket)
	b.server = httptest.NewServer(mux)

	t.Cleanup(b.Close)
	return b
}

// Addr returns the endpoint as host:port.
func (b *Browser) Addr() string {
	return strings.TrimPrefix(b.server.URL, "http://")
}

// Close stops the endpoint and drops every connection.
func (b *Browser) Close() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
	b.server.Close()
}

// SetPage registers the HTML served for url.
func (b *Browser) SetPage(url, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[url] = body
}

// HangLoad makes navigations acknowledge the command but never fire load
// events.
func (b *Browser) HangLoad(hang bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hangLoad = hang
}

// StaleLoadEvent makes each navigation emit the previous document's load
// events just before acknowledging Page.navigate, and never load the new one.
func (b *Browser) StaleLoadEvent(stale bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.staleLoad = stale
}

// SameDocument makes navigations behave like fragment navigations: the reply
// has no loaderId and no load events follow.
func (b *Browser) SameDocument(same bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sameDoc = same
}

// FailNavigation makes Page.navigate report errorText.
func (b *Browser) FailNavigation(errorText string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.navError = errorText
}

// Navigated is signalled each time Page.navigate is received.
func (b *Browser) Navigated() <-chan struct{} {
	return b.navigated
}

// Calls returns the protocol methods received so far, in order.
func (b *Browser) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// CallCount returns how many times method was received.
func (b *Browser) CallCount(method string) int {
	n := 0
	for _, c := range b.Calls() {
		if c == method {
			n++
		}
	}
	return n
}

// Targets returns the IDs of the open page targets.
func (b *Browser) Targets() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.targets...)
}

// Connections returns the number of live WebSocket connections.
func (b *Browser) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *Browser) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"Browser":              "FakeChrome/1.0",
		"Protocol-Version":     "1.3",
		"webSocketDebuggerUrl": "ws://" + r.Host + "/devtools/browser/fake",
	})
}

type request struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

type protocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (b *Browser) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &fakeConn{ws: ws}

	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		for i, c := range b.conns {
			if c == conn {
				b.conns = append(b.conns[:i], b.conns[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		ws.Close()
	}()

	for {
		var req request
		if err := ws.ReadJSON(&req); err != nil {
			return
		}

		b.mu.Lock()
		b.calls = append(b.calls, req.Method)
		b.mu.Unlock()

		result, perr, after := b.handle(conn, &req)
		resp := map[string]interface{}{"id": req.ID}
		if req.SessionID != "" {
			resp["sessionId"] = req.SessionID
		}
		if perr != nil {
			resp["error"] = perr
		} else {
			if result == nil {
				result = map[string]interface{}{}
			}
			resp["result"] = result
		}
		conn.send(resp)

		if after != nil {
			after()
		}
	}
}

// handle answers one request. after, when set, runs once the response has
// been written and is used to emit events.
func (b *Browser) handle(conn *fakeConn, req *request) (result interface{}, perr *protocolError, after func()) {
	var params map[string]interface{}
	if len(req.Params) > 0 {
		json.Unmarshal(req.Params, &params)
	}

	switch req.Method {
	case "Browser.getVersion":
		return map[string]string{
			"product":         "FakeChrome/1.0",
			"protocolVersion": "1.3",
			"userAgent":       "FakeChrome",
			"jsVersion":       "1.0",
		}, nil, nil

	case "Target.getTargets":
		b.mu.Lock()
		infos := make([]map[string]string, 0, len(b.targets))
		for _, id := range b.targets {
			infos = append(infos, map[string]string{"targetId": id, "type": "page", "title": "", "url": "about:blank"})
		}
		b.mu.Unlock()
		return map[string]interface{}{"targetInfos": infos}, nil, nil

	case "Target.setDiscoverTargets":
		discover, _ := params["discover"].(bool)
		b.mu.Lock()
		conn.discover = discover
		targets := append([]string(nil), b.targets...)
		b.mu.Unlock()
		return nil, nil, func() {
			for _, id := range targets {
				conn.send(event("Target.targetCreated", "", targetInfo(id)))
			}
		}

	case "Target.createTarget":
		b.mu.Lock()
		b.nextTab++
		id := fmt.Sprintf("page-%d", b.nextTab)
		b.targets = append(b.targets, id)
		b.mu.Unlock()
		return map[string]string{"targetId": id}, nil, func() {
			b.broadcast(event("Target.targetCreated", "", targetInfo(id)))
		}

	case "Target.closeTarget":
		id, _ := params["targetId"].(string)
		b.mu.Lock()
		found := false
		for i, t := range b.targets {
			if t == id {
				b.targets = append(b.targets[:i], b.targets[i+1:]...)
				found = true
				break
			}
		}
		b.mu.Unlock()
		if !found {
			return nil, &protocolError{Code: -32602, Message: "No target with given id found"}, nil
		}
		return map[string]bool{"success": true}, nil, func() {
			b.broadcast(event("Target.targetDestroyed", "", map[string]string{"targetId": id}))
		}

	case "Target.attachToTarget":
		id, _ := params["targetId"].(string)
		return map[string]string{"sessionId": "session-" + id}, nil, nil

	case "Target.detachFromTarget", "Page.enable", "DOM.enable":
		return nil, nil, nil

	case "Page.setLifecycleEventsEnabled":
		enabled, _ := params["enabled"].(bool)
		b.mu.Lock()
		conn.lifecycle = enabled
		b.mu.Unlock()
		return nil, nil, nil

	case "Page.navigate":
		return b.navigate(conn, req.SessionID, params)

	case "DOM.getDocument":
		return map[string]interface{}{
			"root": map[string]interface{}{"nodeId": 1, "nodeName": "#document"},
		}, nil, nil

	case "DOM.querySelectorAll":
		selector, _ := params["selector"].(string)
		return b.querySelectorAll(selector)

	case "DOM.getAttributes":
		id, _ := params["nodeId"].(float64)
		return b.attributes(int64(id))
	}

	return nil, &protocolError{Code: -32601, Message: fmt.Sprintf("'%s' wasn't found", req.Method)}, nil
}

func (b *Browser) navigate(conn *fakeConn, sessionID string, params map[string]interface{}) (interface{}, *protocolError, func()) {
	url, _ := params["url"].(string)

	select {
	case b.navigated <- struct{}{}:
	default:
	}

	b.mu.Lock()
	navError := b.navError
	hang := b.hangLoad || b.staleLoad
	stale := b.staleLoad
	sameDoc := b.sameDoc
	lifecycle := conn.lifecycle
	body, ok := b.pages[url]
	if !ok {
		body = "<html><body></body></html>"
	}
	prevLoader := fmt.Sprintf("loader-%d", b.loaders)
	if !sameDoc {
		b.loaders++
	}
	loader := fmt.Sprintf("loader-%d", b.loaders)
	b.mu.Unlock()

	result := map[string]string{"frameId": "frame-1", "loaderId": loader}
	if sameDoc {
		delete(result, "loaderId")
	}
	if navError != "" {
		result["errorText"] = navError
		return result, nil, nil
	}

	if stale {
		sendLoadEvents(conn, sessionID, prevLoader, lifecycle)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, &protocolError{Code: -32000, Message: err.Error()}, nil
	}

	b.mu.Lock()
	b.doc = doc
	b.nodeIDs = make(map[*html.Node]int64)
	b.nodes = make(map[int64]*html.Node)
	b.nextNode = 1
	b.mu.Unlock()

	return result, nil, func() {
		b.broadcast(event("Target.targetInfoChanged", "", map[string]interface{}{
			"targetInfo": map[string]string{"targetId": strings.TrimPrefix(sessionID, "session-"), "type": "page", "url": url},
		}))
		if hang || sameDoc {
			return
		}
		sendLoadEvents(conn, sessionID, loader, lifecycle)
	}
}

// sendLoadEvents emits the DOMContentLoaded and load events of the document
// committed by loader, including lifecycle events when conn enabled them.
func sendLoadEvents(conn *fakeConn, sessionID, loader string, lifecycle bool) {
	conn.send(event("Page.domContentEventFired", sessionID, map[string]float64{"timestamp": 1}))
	if lifecycle {
		conn.send(event("Page.lifecycleEvent", sessionID, lifecycleParams(loader, "DOMContentLoaded", 1)))
	}
	conn.send(event("Page.loadEventFired", sessionID, map[string]float64{"timestamp": 2}))
	if lifecycle {
		conn.send(event("Page.lifecycleEvent", sessionID, lifecycleParams(loader, "load", 2)))
	}
}

func lifecycleParams(loader, name string, ts float64) map[string]interface{} {
	return map[string]interface{}{"frameId": "frame-1", "loaderId": loader, "name": name, "timestamp": ts}
}

func (b *Browser) querySelectorAll(selector string) (interface{}, *protocolError, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]int64, 0)
	if b.doc == nil {
		return map[string]interface{}{"nodeIds": ids}, nil, nil
	}

	b.doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		n := s.Get(0)
		id, ok := b.nodeIDs[n]
		if !ok {
			b.nextNode++
			id = b.nextNode
			b.nodeIDs[n] = id
			b.nodes[id] = n
		}
		ids = append(ids, id)
	})
	return map[string]interface{}{"nodeIds": ids}, nil, nil
}

func (b *Browser) attributes(nodeID int64) (interface{}, *protocolError, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.nodes[nodeID]
	if !ok {
		return nil, &protocolError{Code: -32000, Message: "Could not find node with given id"}, nil
	}

	flat := make([]string, 0, 2*len(n.Attr))
	for _, a := range n.Attr {
		flat = append(flat, a.Key, a.Val)
	}
	return map[string]interface{}{"attributes": flat}, nil, nil
}

// broadcast sends ev to every connection with target discovery enabled.
func (b *Browser) broadcast(ev interface{}) {
	b.mu.Lock()
	var conns []*fakeConn
	for _, c := range b.conns {
		if c.discover {
			conns = append(conns, c)
		}
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.send(ev)
	}
}

func event(method, sessionID string, params interface{}) map[string]interface{} {
	ev := map[string]interface{}{"method": method, "params": params}
	if sessionID != "" {
		ev["sessionId"] = sessionID
	}
	return ev
}

func targetInfo(id string) map[string]interface{} {
	return map[string]interface{}{
		"targetInfo": map[string]string{"targetId": id, "type": "page", "url": "about:blank"},
	}
}
