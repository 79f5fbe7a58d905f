// Package doctor prints diagnostic sections for a handtoken installation.
package doctor

import (
	"fmt"
	"io"

	"github.com/majorcontext/handtoken/internal/ui"
)

// Section is one block of diagnostics.
type Section interface {
	Name() string
	// Print writes the section body. An error means the section could not
	// be produced at all; individual failed checks are written with Check.
	Print(w io.Writer) error
}

// Registry holds sections in the order they are printed.
type Registry struct {
	sections []Section
	failed   int
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(s Section) {
	r.sections = append(r.sections, s)
}

func (r *Registry) Sections() []Section {
	return r.sections
}

// Run prints every section to w. A section error is reported inline and
// the remaining sections still run. It returns the number of failed
// sections plus failed checks.
func (r *Registry) Run(w io.Writer) int {
	r.failed = 0
	for _, s := range r.sections {
		fmt.Fprintln(w, ui.Bold(s.Name()))
		if err := s.Print(&checkWriter{w: w, reg: r}); err != nil {
			fmt.Fprintf(w, "  %s %v\n", ui.FailTag(), err)
			r.failed++
		}
		fmt.Fprintln(w)
	}
	return r.failed
}

type checkWriter struct {
	w   io.Writer
	reg *Registry
}

func (c *checkWriter) Write(p []byte) (int, error) { return c.w.Write(p) }

// Check writes one pass/fail line. When w belongs to a running Registry a
// failure is counted.
func Check(w io.Writer, ok bool, label, detail string) {
	tag := ui.OKTag()
	if !ok {
		tag = ui.FailTag()
		if cw, isCheck := w.(*checkWriter); isCheck {
			cw.reg.failed++
		}
	}
	if detail != "" {
		fmt.Fprintf(w, "  %s %s: %s\n", tag, label, detail)
		return
	}
	fmt.Fprintf(w, "  %s %s\n", tag, label)
}
