// Package loader places the netwatch page observer into HTML documents.
//
// A Loader resolves the URL of the observer payload and inserts a script tag
// referencing it as early in the document as possible. Resolution failures
// are not errors: when the payload cannot be located the document is left as
// it is.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"

	"github.com/getmockd/netwatch/pkg/logging"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MarkerAttr marks script elements inserted by a Loader.
const MarkerAttr = "data-netwatch"

// removeSelf detaches the script element once it has loaded or failed.
const removeSelf = "this.remove()"

// Options configures a Loader.
type Options struct {
	// Resolver locates the payload. A nil resolver disables injection.
	Resolver Resolver
	// Resource is the payload name passed to the resolver.
	Resource string
	// ReportURL, when set, is passed to the payload as data-report.
	ReportURL string
	Logger    *slog.Logger
}

// Loader injects the observer script tag.
type Loader struct {
	resolver  Resolver
	resource  string
	reportURL string
	logger    *slog.Logger
}

// New creates a Loader.
func New(opts Options) *Loader {
	resource := opts.Resource
	if resource == "" {
		resource = PayloadName
	}
	return &Loader{
		resolver:  opts.Resolver,
		resource:  resource,
		reportURL: opts.ReportURL,
		logger:    logging.OrNop(opts.Logger),
	}
}

// Inject inserts the observer script into doc and reports whether it did.
// It does nothing when the resolver is missing or unavailable, when the
// document has neither a head nor a document element, or when the document
// already carries a netwatch script.
func (l *Loader) Inject(doc *html.Node) bool {
	if doc == nil || l.resolver == nil {
		return false
	}
	src, err := l.resolver.ResolveURL(l.resource)
	if err != nil {
		l.logger.Debug("observer payload unavailable, skipping injection", "error", err)
		return false
	}
	if findMarked(doc) {
		return false
	}

	parent := attachmentPoint(doc)
	if parent == nil {
		return false
	}

	script := &html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Script,
		Data:     "script",
		Attr: []html.Attribute{
			{Key: "src", Val: src},
			{Key: MarkerAttr, Val: ""},
			{Key: "onload", Val: removeSelf},
			{Key: "onerror", Val: removeSelf},
		},
	}
	if l.reportURL != "" {
		script.Attr = append(script.Attr, html.Attribute{Key: "data-report", Val: l.reportURL})
	}

	// First child, so the observer runs before any script the page ships.
	parent.InsertBefore(script, parent.FirstChild)
	return true
}

// InjectHTML parses r, injects the observer and writes the document to w.
// When nothing was injected the input is copied unchanged.
func (l *Loader) InjectHTML(r io.Reader, w io.Writer) (bool, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return false, fmt.Errorf("failed to read document: %w", err)
	}

	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil || !l.Inject(doc) {
		_, werr := w.Write(raw)
		return false, werr
	}
	if err := html.Render(w, doc); err != nil {
		return false, fmt.Errorf("failed to render document: %w", err)
	}
	return true, nil
}

// ErrNotHTML is returned by Rewrite for non-HTML content.
var ErrNotHTML = errors.New("content is not html")

// Rewrite is InjectHTML over byte slices for content types that qualify.
func (l *Loader) Rewrite(contentType string, body []byte) ([]byte, bool, error) {
	if !ShouldInject(contentType) {
		return body, false, ErrNotHTML
	}
	var out bytes.Buffer
	ok, err := l.InjectHTML(bytes.NewReader(body), &out)
	if err != nil || !ok {
		return body, false, err
	}
	return out.Bytes(), true, nil
}

// ShouldInject reports whether a response of this content type is an HTML
// document.
func ShouldInject(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "text/html")
	}
	return mt == "text/html"
}

// attachmentPoint is the head element, else the document element.
func attachmentPoint(doc *html.Node) *html.Node {
	var root *html.Node
	for n := doc.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == html.ElementNode {
			root = n
			break
		}
	}
	if root == nil {
		return nil
	}
	for n := root.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == html.ElementNode && n.DataAtom == atom.Head {
			return n
		}
	}
	return root
}

func findMarked(n *html.Node) bool {
	if n.Type == html.ElementNode && n.DataAtom == atom.Script {
		for _, a := range n.Attr {
			if a.Key == MarkerAttr {
				return true
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if findMarked(c) {
			return true
		}
	}
	return false
}
