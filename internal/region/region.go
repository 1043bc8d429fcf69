// Package region maps the locale/region byte sent during CONNECT and used
// to pick a staging directory to the on-device admini locale suffix, the
// host-side staging subdirectory name, and the charset used to present
// that locale's display names. These are the "glue" lookup tables spec.md
// describes but does not define, grounded on the ten admini_list entries
// in the original implementation's content.c.
package region

// ID is the single-byte locale/region code carried in the low byte of the
// connect options value (spec.md §3, "Connect options").
type ID uint8

// Known region identifiers. Values are assigned in admini_list order from
// the original implementation; the exact numeric values are not specified
// by the protocol documentation available to this driver and are treated
// as opaque beyond "second entry is Korean", "tenth is CD/sound", etc., so
// any caller driving this module end to end must agree: entry 0 is the
// default (unsuffixed admini.inf) region.
const (
	Default ID = iota
	Korean
	Chinese
	Indonesian
	Italian
	German
	Spanish
	French
	Russian
	Sound
)

type entry struct {
	dir     string
	locale  string
	adminis string
}

var table = map[ID]entry{
	Default:    {dir: "library", locale: "ISO-8859-1", adminis: "admini.inf"},
	Korean:     {dir: "kr", locale: "EUC-KR", adminis: "adminikr.inf"},
	Chinese:    {dir: "cn", locale: "GBK", adminis: "adminicn.inf"},
	Indonesian: {dir: "in", locale: "ISO-8859-1", adminis: "adminiin.inf"},
	Italian:    {dir: "it", locale: "ISO-8859-1", adminis: "adminiit.inf"},
	German:     {dir: "de", locale: "ISO-8859-1", adminis: "adminide.inf"},
	Spanish:    {dir: "es", locale: "ISO-8859-1", adminis: "adminies.inf"},
	French:     {dir: "fr", locale: "ISO-8859-1", adminis: "adminifr.inf"},
	Russian:    {dir: "ru", locale: "KOI8-R", adminis: "adminiru.inf"},
	Sound:      {dir: "sound", locale: "ISO-8859-1", adminis: "sound.inf"},
}

// IDToString returns the host-side staging subdirectory name for a region,
// matching region_id2str in the collaborator contracts (spec.md §6).
func IDToString(id ID) string {
	if e, ok := table[id]; ok {
		return e.dir
	}
	return table[Default].dir
}

// IDToLocale returns the xcode charset name used to present display names
// for this region, matching region_id2locale.
func IDToLocale(id ID) string {
	if e, ok := table[id]; ok {
		return e.locale
	}
	return table[Default].locale
}

// AdminiList returns the ordered list of admini index filenames the
// content engine tries on the device, per spec.md §3 ("admini
// descriptor"). The order is fixed by the original implementation and
// does not depend on the connected region — the client probes all ten and
// stops at the first with a non-empty body.
func AdminiList() []string {
	return []string{
		table[Default].adminis,
		table[Korean].adminis,
		table[Chinese].adminis,
		table[Indonesian].adminis,
		table[Italian].adminis,
		table[German].adminis,
		table[Spanish].adminis,
		table[French].adminis,
		table[Russian].adminis,
		table[Sound].adminis,
	}
}
