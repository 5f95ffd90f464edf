// Package maintenance implements offline consistency checking and repair
// for a synapsedb database's six persisted orders.
//
// Grounded on pkg/mddb/reindex.go's Reindex/ReindexIncremental: issues
// collected into an aggregate error rather than failing on the first one
// (IndexScanError there, CheckReport here), and a rebuild-from-source-of-
// truth strategy for recovering from corruption (there: re-derive the
// SQLite index from the markdown files on disk; here: re-derive a corrupt
// order's page table from any other intact order, since all six orders are
// equally valid encodings of the same triple set).
package maintenance

import (
	"fmt"
	"sort"

	"github.com/synapsedb/synapsedb/internal/manifest"
	"github.com/synapsedb/synapsedb/internal/pagedindex"
	"github.com/synapsedb/synapsedb/internal/staging"
	"github.com/synapsedb/synapsedb/pkg/fs"
)

// Issue describes one problem found with a single page of one order.
type Issue struct {
	Order        manifest.OrderName
	PrimaryValue uint32
	Err          error
}

func (i Issue) String() string {
	return fmt.Sprintf("%s primary=%d: %v", i.Order, i.PrimaryValue, i.Err)
}

// CheckReport aggregates every Issue found by Check.
type CheckReport struct {
	Issues []Issue
}

// OK reports whether Check found no problems.
func (r *CheckReport) OK() bool { return len(r.Issues) == 0 }

// CorruptOrders returns the set of orders that have at least one Issue,
// i.e. the orders Repair needs to act on.
func (r *CheckReport) CorruptOrders() []manifest.OrderName {
	seen := make(map[manifest.OrderName]bool)

	var out []manifest.OrderName

	for _, iss := range r.Issues {
		if !seen[iss.Order] {
			seen[iss.Order] = true

			out = append(out, iss.Order)
		}
	}

	return out
}

// Check validates every page of every order named in man, reading each
// order's own page file under dir.
//
// In strict mode every page's bytes are decompressed and its CRC32
// verified against the recorded checksum — the same validation ReadPage
// performs on a normal query, just run eagerly over the whole file instead
// of lazily per lookup. In fast (non-strict) mode only the page table's
// structural invariant is checked (PageMeta entries non-decreasing by
// PrimaryValue, as MergePageMetas always produces), without decompressing a
// single page body — cheap enough to run before every Open.
func Check(fsys fs.FS, dir string, man *manifest.Manifest, codecKind pagedindex.Codec, strict bool) *CheckReport {
	report := &CheckReport{}

	for _, name := range sortedOrderNames(man) {
		order, ok := manifest.OrderOf(name)
		if !ok {
			continue
		}

		metas := man.Orders[name].Pages

		for idx, m := range metas {
			if idx > 0 && metas[idx-1].PrimaryValue > m.PrimaryValue {
				report.Issues = append(report.Issues, Issue{
					Order:        name,
					PrimaryValue: m.PrimaryValue,
					Err:          fmt.Errorf("page table out of order after primary=%d", metas[idx-1].PrimaryValue),
				})

				continue
			}

			if !strict {
				continue
			}

			if err := checkPageStrict(fsys, dir, order, name, codecKind, m); err != nil {
				report.Issues = append(report.Issues, Issue{Order: name, PrimaryValue: m.PrimaryValue, Err: err})
			}
		}
	}

	return report
}

// checkPageStrict opens name's page file (once per call — Check is an
// offline, infrequent operation, so this is not on any hot path) and
// re-reads the single page described by m, which re-validates its CRC32 the
// same way a live ReadPage would.
func checkPageStrict(fsys fs.FS, dir string, order pagedindex.Order, name manifest.OrderName, codecKind pagedindex.Codec, m pagedindex.PageMeta) error {
	f, err := fsys.Open(manifest.OrderFilePath(dir, name))
	if err != nil {
		return fmt.Errorf("open order file: %w", err)
	}

	defer f.Close()

	if _, err := pagedindex.ReadPage(f, order, codecKind, m); err != nil {
		return err
	}

	return nil
}

func sortedOrderNames(man *manifest.Manifest) []manifest.OrderName {
	names := make([]manifest.OrderName, 0, len(man.Orders))
	for name := range man.Orders {
		names = append(names, name)
	}

	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	return names
}

// PageDrop records one page removed from a corrupt order's table by a fast
// repair.
type PageDrop struct {
	Order        manifest.OrderName
	PrimaryValue uint32
}

// RepairResult summarizes what Repair changed.
type RepairResult struct {
	// Rebuilt lists orders whose entire page file was regenerated from
	// another intact order (full repair).
	Rebuilt []manifest.OrderName

	// Dropped lists, one entry per Issue, the (order, primary) pairs whose
	// pages were removed from their order's table without touching the
	// other five orders (fast repair). Every triple in a dropped page is no
	// longer reachable through that order.
	Dropped []PageDrop
}

// intactDonor returns the name of an order named in man that the report has
// no issue against, preferring the order with the most pages (a cheap proxy
// for "most complete"/least likely to itself be silently truncated).
func intactDonor(man *manifest.Manifest, report *CheckReport) (manifest.OrderName, bool) {
	bad := make(map[manifest.OrderName]bool)
	for _, name := range report.CorruptOrders() {
		bad[name] = true
	}

	var best manifest.OrderName
	var bestLen int
	found := false

	for _, name := range sortedOrderNames(man) {
		if bad[name] {
			continue
		}

		if n := len(man.Orders[name].Pages); !found || n > bestLen {
			best, bestLen, found = name, n, true
		}
	}

	return best, found
}

// Repair fixes every order report.CorruptOrders names.
//
// full=true rebuilds a corrupt order's entire page table from an intact
// donor order (decoding every donor page back to triples, then
// re-encoding under pageSize and order's own column layout) — a full
// recovery, since any one of the six orders carries the complete triple
// set. full=false instead removes, from each flagged order's table, every
// PageMeta whose primary value Check flagged (all of that primary's pages
// in that order, not only the corrupt one), a fast, lossy fix that leaves
// that order's table missing those pages' triples.
//
// Repair never touches any page file itself; it returns a new
// *manifest.Manifest (at the next epoch) plus, for full repairs, the fresh
// pages the caller must write as each rebuilt order's entire replacement
// page file (since that order's existing file is the very thing suspected
// corrupt, a full repair discards it wholesale rather than appending to
// it) — keyed by order name, in the same []pagedindex.EncodedPage shape an
// ordinary flush produces.
func Repair(
	fsys fs.FS,
	dir string,
	man *manifest.Manifest,
	report *CheckReport,
	codecKind pagedindex.Codec,
	pageSize int,
	full bool,
) (*manifest.Manifest, RepairResult, map[manifest.OrderName][]pagedindex.EncodedPage, error) {
	result := RepairResult{}
	newPages := make(map[manifest.OrderName][]pagedindex.EncodedPage)

	next := man.NextEpoch()

	if !full {
		badByOrder := make(map[manifest.OrderName]map[uint32]bool)

		for _, iss := range report.Issues {
			if badByOrder[iss.Order] == nil {
				badByOrder[iss.Order] = make(map[uint32]bool)
			}

			badByOrder[iss.Order][iss.PrimaryValue] = true
			result.Dropped = append(result.Dropped, PageDrop{Order: iss.Order, PrimaryValue: iss.PrimaryValue})
		}

		for name, bad := range badByOrder {
			om := next.Orders[name]

			kept := make([]pagedindex.PageMeta, 0, len(om.Pages))

			for _, m := range om.Pages {
				if !bad[m.PrimaryValue] {
					kept = append(kept, m)
				}
			}

			om.Pages = kept
			next.Orders[name] = om
		}

		return next, result, newPages, nil
	}

	donor, ok := intactDonor(man, report)
	if !ok {
		return nil, result, nil, fmt.Errorf("maintenance: repair: no intact order to rebuild from")
	}

	donorOrder, _ := manifest.OrderOf(donor)

	donorFile, err := fsys.Open(manifest.OrderFilePath(dir, donor))
	if err != nil {
		return nil, result, nil, fmt.Errorf("maintenance: repair: open donor order %s: %w", donor, err)
	}

	defer donorFile.Close()

	triples, err := pagedindex.ReadAllStreaming(donorFile, donorOrder, codecKind, man.Orders[donor].Pages)
	if err != nil {
		return nil, result, nil, fmt.Errorf("maintenance: repair: read donor order %s: %w", donor, err)
	}

	sorted := staging.New()
	for _, t := range triples {
		sorted.Insert(t)
	}

	for _, name := range report.CorruptOrders() {
		order, ok := manifest.OrderOf(name)
		if !ok {
			continue
		}

		pages := pagedindex.EncodePages(order, sorted.QueryPrefix(order, staging.Triple{}, 0), pageSize)
		newPages[name] = pages
		result.Rebuilt = append(result.Rebuilt, name)
	}

	return next, result, newPages, nil
}
