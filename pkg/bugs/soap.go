package bugs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const DefaultTrackerURL = "https://bugs.debian.org/cgi-bin/soap.cgi"

// Client queries a debbugs SOAP endpoint.
type Client struct {
	url    string
	client *http.Client
}

var _ Source = (*Client)(nil)

func NewClient(url string, client *http.Client) *Client {
	if url == "" {
		url = DefaultTrackerURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{url: url, client: client}
}

type status struct {
	id       int
	subject  string
	severity string
	pending  string
	done     string
}

func (s status) label() string {
	switch {
	case s.done != "" || s.pending == "done":
		return "Resolved bugs"
	case s.pending == "fixed":
		return "FIXED"
	case s.severity == "wishlist":
		return "Wishlist items"
	case s.severity == "":
		return "Normal bugs"
	default:
		return strings.ToUpper(s.severity[:1]) + s.severity[1:] + " bugs"
	}
}

var severityRank = map[string]int{
	"Critical bugs":  0,
	"Grave bugs":     1,
	"Serious bugs":   2,
	"Important bugs": 3,
	"Normal bugs":    4,
	"Minor bugs":     5,
	"Wishlist items": 6,
	"FIXED":          7,
	"Resolved bugs":  8,
}

func (c *Client) QueryReports(ctx context.Context, pkg string) (int, []Group, error) {
	resp, err := c.call(ctx, "get_bugs", "package", pkg)
	if err != nil {
		return 0, nil, err
	}
	var ids []string
	for _, item := range resp.findAll("item") {
		if id := strings.TrimSpace(item.Text); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, nil, nil
	}

	resp, err = c.call(ctx, "get_status", ids...)
	if err != nil {
		return 0, nil, err
	}
	var statuses []status
	for _, item := range resp.findAll("item") {
		key, value := item.child("key"), item.child("value")
		if key == nil || value == nil {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(key.Text))
		if err != nil {
			continue
		}
		statuses = append(statuses, status{
			id:       id,
			subject:  value.childText("subject"),
			severity: value.childText("severity"),
			pending:  value.childText("pending"),
			done:     value.childText("done"),
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].id < statuses[j].id })

	byLabel := map[string]*Group{}
	for _, s := range statuses {
		label := s.label()
		g, ok := byLabel[label]
		if !ok {
			g = &Group{Label: label}
			byLabel[label] = g
		}
		g.Entries = append(g.Entries, fmt.Sprintf("#%d: %s", s.id, s.subject))
	}
	groups := make([]Group, 0, len(byLabel))
	for _, g := range byLabel {
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool {
		ri, ok := severityRank[groups[i].Label]
		if !ok {
			ri = len(severityRank)
		}
		rj, ok := severityRank[groups[j].Label]
		if !ok {
			rj = len(severityRank)
		}
		if ri != rj {
			return ri < rj
		}
		return groups[i].Label < groups[j].Label
	})
	return len(statuses), groups, nil
}

// FetchFullReport returns the original report and every followup message.
func (c *Client) FetchFullReport(ctx context.Context, bugID string) (string, []string, error) {
	resp, err := c.call(ctx, "get_bug_log", bugID)
	if err != nil {
		return "", nil, err
	}
	var messages []string
	for _, item := range resp.findAll("item") {
		if body := item.child("body"); body != nil {
			messages = append(messages, body.value())
		}
	}
	if len(messages) == 0 {
		return "", nil, fmt.Errorf("bug %s has no messages", bugID)
	}
	return messages[0], messages[1:], nil
}

const envelope = `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:xsd="http://www.w3.org/2001/XMLSchema" soap:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<soap:Body><ns:%[1]s xmlns:ns="Debbugs/SOAP">%[2]s</ns:%[1]s></soap:Body>
</soap:Envelope>`

func (c *Client) call(ctx context.Context, method string, args ...string) (*node, error) {
	var params strings.Builder
	for _, a := range args {
		params.WriteString(`<arg xsi:type="xsd:string">`)
		if err := xml.EscapeText(&params, []byte(a)); err != nil {
			return nil, err
		}
		params.WriteString(`</arg>`)
	}

	body := fmt.Sprintf(envelope, method, params.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `"Debbugs/SOAP#`+method+`"`)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %s", method, resp.Status)
	}

	var root node
	if err := xml.NewDecoder(bytes.NewReader(b)).Decode(&root); err != nil {
		return nil, fmt.Errorf("%s: decoding response: %w", method, err)
	}
	if fault := root.find("Fault"); fault != nil {
		return nil, fmt.Errorf("%s: %s", method, strings.TrimSpace(fault.childText("faultstring")))
	}
	result := root.find(method + "Response")
	if result == nil {
		return nil, fmt.Errorf("%s: missing response element", method)
	}
	return result, nil
}

// node is a generic XML element; debbugs responses use SOAP encoding with
// generated element names, so they are walked rather than unmarshalled.
type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []node     `xml:",any"`
}

// value returns the element text, decoding base64 encoded strings.
func (n *node) value() string {
	for _, a := range n.Attrs {
		if a.Name.Local == "type" && strings.HasSuffix(a.Value, "base64Binary") {
			if b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(n.Text)); err == nil {
				return string(b)
			}
		}
	}
	return n.Text
}

func (n *node) child(local string) *node {
	for i := range n.Children {
		if n.Children[i].XMLName.Local == local {
			return &n.Children[i]
		}
	}
	return nil
}

func (n *node) childText(local string) string {
	if c := n.child(local); c != nil {
		return strings.TrimSpace(c.value())
	}
	return ""
}

// find returns the first descendant named local, depth first.
func (n *node) find(local string) *node {
	for i := range n.Children {
		c := &n.Children[i]
		if c.XMLName.Local == local {
			return c
		}
		if f := c.find(local); f != nil {
			return f
		}
	}
	return nil
}

// findAll returns every descendant named local whose ancestors are not
// themselves named local.
func (n *node) findAll(local string) []*node {
	var out []*node
	for i := range n.Children {
		c := &n.Children[i]
		if c.XMLName.Local == local {
			out = append(out, c)
			continue
		}
		out = append(out, c.findAll(local)...)
	}
	return out
}
