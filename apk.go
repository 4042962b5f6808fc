package apkinfo

import (
	"bytes"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
)

const androidNs = "http://schemas.android.com/apk/res/android"

// APK is the single handle type callers open once and query repeatedly
// (§4.5 "Programmatic surface"). It owns the ZIP reader and lazily decodes
// the manifest, resource table and signing block on first use, caching each
// for its own lifetime.
type APK struct {
	zr   *ZipReader
	file *os.File // nil when opened over a caller-owned reader
	size int64
	ra   io.ReaderAt

	manifestOnce sync.Once
	manifest     *Document
	manifestErr  error

	resourcesOnce sync.Once
	resources     *ResourceTable
	resourcesErr  error

	signaturesOnce sync.Once
	signatures     []*Signature
	signaturesErr  error
}

// Open opens the APK at path read-only.
func Open(path string) (*APK, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	zr, err := OpenZipReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &APK{zr: zr, file: f, size: size, ra: f}, nil
}

// Close releases the underlying file handle.
func (a *APK) Close() error {
	if a.zr != nil {
		a.zr.Close()
	}
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// Namelist returns every archive entry name, in central-directory order.
func (a *APK) Namelist() []string { return a.zr.Namelist() }

// Read returns the full, decompressed contents of the named archive entry.
func (a *APK) Read(name string) ([]byte, error) {
	return a.zr.Read(name, 512<<20)
}

const manifestPath = "AndroidManifest.xml"
const resourcesPath = "resources.arsc"

func (a *APK) manifestDoc() (*Document, error) {
	a.manifestOnce.Do(func() {
		data, err := a.Read(manifestPath)
		if err != nil {
			a.manifestErr = err
			return
		}
		a.manifest, a.manifestErr = DecodeXML(bytes.NewReader(data))
	})
	return a.manifest, a.manifestErr
}

func (a *APK) resourceTable() (*ResourceTable, error) {
	a.resourcesOnce.Do(func() {
		data, err := a.Read(resourcesPath)
		if err != nil {
			a.resourcesErr = err
			return
		}
		a.resources, a.resourcesErr = ParseResourceTable(bytes.NewReader(data))
	})
	return a.resources, a.resourcesErr
}

// GetSignatures returns every signer record recovered from the archive: the
// APK Signing Block (v2/v3/v3.1, source stamp) when present, falling back to
// (and supplementing with) v1 JAR signing.
func (a *APK) GetSignatures() ([]*Signature, error) {
	a.signaturesOnce.Do(func() {
		var sigs []*Signature
		if block, err := ParseSigningBlock(a.ra, a.size); err == nil {
			sigs = append(sigs, block.Signatures...)
		}
		sigs = append(sigs, ParseV1Signatures(a.zr)...)
		a.signatures = sigs
	})
	return a.signatures, a.signaturesErr
}

// resolveValue turns a TypedValue into the string a caller should see:
// literal for plain types, resolved string/path for references, and the
// original "@0x..." text when resolution fails (§4.5 coercion rule: never
// drop a present attribute).
func (a *APK) resolveValue(v TypedValue) string {
	if !v.IsReference() {
		return v.String()
	}
	table, err := a.resourceTable()
	if err != nil {
		return v.String()
	}
	if s, ok := table.Resolve(v.Raw, DefaultConfig); ok {
		return s
	}
	return v.String()
}

// GetAttributeValue returns the named attribute's coerced value on the
// first element with local name tag.
func (a *APK) GetAttributeValue(tag, name string) (string, bool) {
	doc, err := a.manifestDoc()
	if err != nil {
		return "", false
	}
	for _, e := range doc.all {
		if e.Name != tag {
			continue
		}
		attr, ok := e.Attr(name)
		if !ok {
			return "", false
		}
		return a.resolveValue(attr.Value), true
	}
	return "", false
}

// GetAllAttributeValues returns the named attribute's coerced value across
// every element with local name tag.
func (a *APK) GetAllAttributeValues(tag, name string) []string {
	doc, err := a.manifestDoc()
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range doc.all {
		if e.Name != tag {
			continue
		}
		if attr, ok := e.Attr(name); ok {
			out = append(out, a.resolveValue(attr.Value))
		}
	}
	return out
}

// PackageName returns the manifest's package attribute.
func (a *APK) PackageName() string {
	v, _ := a.GetAttributeValue("manifest", "package")
	return v
}

// VersionName returns android:versionName, as the literal string present in
// the manifest (no normalization, per §6).
func (a *APK) VersionName() string {
	v, _ := a.GetAttributeValue("manifest", "versionName")
	return v
}

// VersionCode returns android:versionCode as a string: adversarial inputs
// may place a non-numeric payload there, so it is never parsed as an int.
func (a *APK) VersionCode() string {
	v, _ := a.GetAttributeValue("manifest", "versionCode")
	return v
}

// MinSdkVersion returns uses-sdk's android:minSdkVersion.
func (a *APK) MinSdkVersion() string {
	v, _ := a.GetAttributeValue("uses-sdk", "minSdkVersion")
	return v
}

// TargetSdkVersion returns uses-sdk's android:targetSdkVersion.
func (a *APK) TargetSdkVersion() string {
	v, _ := a.GetAttributeValue("uses-sdk", "targetSdkVersion")
	return v
}

// ApplicationLabel returns the application element's android:label,
// resolved through the resource table when it is a reference.
func (a *APK) ApplicationLabel() string {
	v, _ := a.GetAttributeValue("application", "label")
	return v
}

// ApplicationIcon returns the application element's android:icon, resolved
// to an archive path (e.g. res/mipmap-xxxhdpi-v4/ic_launcher.png).
func (a *APK) ApplicationIcon() string {
	v, _ := a.GetAttributeValue("application", "icon")
	return v
}

// Permissions returns every uses-permission android:name.
func (a *APK) Permissions() []string {
	return a.GetAllAttributeValues("uses-permission", "name")
}

// UsesFeatures returns every uses-feature android:name.
func (a *APK) UsesFeatures() []string {
	return a.GetAllAttributeValues("uses-feature", "name")
}

// Activities returns every activity android:name, as declared (relative
// names are not expanded; see MainActivities for that).
func (a *APK) Activities() []string { return a.GetAllAttributeValues("activity", "name") }

// Services returns every service android:name.
func (a *APK) Services() []string { return a.GetAllAttributeValues("service", "name") }

// Receivers returns every receiver android:name.
func (a *APK) Receivers() []string { return a.GetAllAttributeValues("receiver", "name") }

// Providers returns every provider android:name.
func (a *APK) Providers() []string { return a.GetAllAttributeValues("provider", "name") }

// hasFeature reports whether a uses-feature element declares name, honoring
// the required attribute (unset is treated as required, per spec).
func (a *APK) hasFeature(name string) bool {
	doc, err := a.manifestDoc()
	if err != nil {
		return false
	}
	for _, e := range doc.FindAll("uses-feature") {
		n, ok := e.Attr("name")
		if !ok || n.Value.String() != name {
			continue
		}
		if req, ok := e.Attr("required"); ok {
			return req.Value.String() != "false"
		}
		return true
	}
	return false
}

// IsAutomotive reports whether the manifest declares android.hardware.type.automotive.
func (a *APK) IsAutomotive() bool { return a.hasFeature("android.hardware.type.automotive") }

// IsLeanback reports whether the manifest declares android.software.leanback (Android TV).
func (a *APK) IsLeanback() bool { return a.hasFeature("android.software.leanback") }

// IsWearable reports whether the manifest declares android.hardware.type.watch.
func (a *APK) IsWearable() bool { return a.hasFeature("android.hardware.type.watch") }

// IsChromebook reports whether the manifest declares android.hardware.type.pc.
func (a *APK) IsChromebook() bool { return a.hasFeature("android.hardware.type.pc") }

var multidexPattern = regexp.MustCompile(`^classes\d+\.dex$`)

// IsMultidex reports true iff at least one archive-root entry besides
// classes.dex matches classes\d+\.dex.
func (a *APK) IsMultidex() bool {
	for _, name := range a.Namelist() {
		if strings.Contains(name, "/") {
			continue
		}
		if name != "classes.dex" && multidexPattern.MatchString(name) {
			return true
		}
	}
	return false
}

// MainActivities returns the activities Android would offer on the home
// screen launcher, following getLaunchIntentForPackage: MAIN+LAUNCHER
// first, falling back to MAIN+INFO if none match, in manifest declaration
// order, with relative class names expanded against the package attribute.
func (a *APK) MainActivities() []string {
	doc, err := a.manifestDoc()
	if err != nil {
		return nil
	}
	pkg := a.PackageName()

	match := func(category string) []string {
		var out []string
		for _, e := range doc.all {
			if e.Name != "activity" && e.Name != "activity-alias" {
				continue
			}
			if !hasIntentFilter(e, "android.intent.action.MAIN", category) {
				continue
			}
			name, ok := e.Attr("name")
			if !ok {
				continue
			}
			out = append(out, expandClassName(pkg, name.Value.String()))
		}
		return out
	}

	if names := match("android.intent.category.LAUNCHER"); len(names) > 0 {
		return names
	}
	return match("android.intent.category.INFO")
}

func hasIntentFilter(el *Element, action, category string) bool {
	for _, filter := range el.Children {
		if filter.Name != "intent-filter" {
			continue
		}
		hasAction, hasCategory := false, false
		for _, c := range filter.Children {
			switch c.Name {
			case "action":
				if n, ok := c.Attr("name"); ok && n.Value.String() == action {
					hasAction = true
				}
			case "category":
				if n, ok := c.Attr("name"); ok && n.Value.String() == category {
					hasCategory = true
				}
			}
		}
		if hasAction && hasCategory {
			return true
		}
	}
	return false
}

func expandClassName(pkg, name string) string {
	switch {
	case strings.HasPrefix(name, "."):
		return pkg + name
	case strings.Contains(name, "."):
		return name
	case name == "":
		return name
	default:
		return pkg + "." + name
	}
}
