// Package cloudpartner edits and publishes Azure marketplace offers through
// the product ingestion API.
package cloudpartner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Schema identifiers for the resource kinds the mutation algorithm touches.
const (
	schemaHost = "https://product-ingestion.azureedge.net/schema"

	planKind       = "plan"
	techConfigKind = "virtual-machine-plan-technical-configuration"
)

// LifecycleState is the publication state of one image version.
type LifecycleState string

const (
	// StateGenerallyAvailable marks a version visible to customers.
	StateGenerallyAvailable LifecycleState = "generallyAvailable"
	// StateDeprecated marks a version withdrawn from new deployments.
	StateDeprecated LifecycleState = "deprecated"
)

// VMImage references one uploaded artifact for a given image type.
type VMImage struct {
	ImageType string `json:"imageType"`
	SourceURI string `json:"sourceUri"`
}

// ImageVersion is one published version within a technical configuration.
type ImageVersion struct {
	VersionNumber  string         `json:"versionNumber"`
	LifecycleState LifecycleState `json:"lifecycleState"`
	VMImages       []VMImage      `json:"vmImages"`
}

// PlanIdentity carries the human-facing SKU identifier of a plan.
type PlanIdentity struct {
	ExternalID string `json:"externalId"`
}

// Plan maps a SKU identifier to its provider-assigned durable id.
type Plan struct {
	Schema   string       `json:"$schema"`
	ID       string       `json:"id"`
	Identity PlanIdentity `json:"identity"`
	Alias    string       `json:"alias,omitempty"`
}

// SKU declares which image type a SKU identifier publishes under.
type SKU struct {
	ImageType string `json:"imageType"`
	SKUID     string `json:"skuId"`
}

// TechnicalConfiguration owns the ordered image version list of one plan,
// referenced by the plan's durable id.
type TechnicalConfiguration struct {
	Schema          string         `json:"$schema"`
	ID              string         `json:"id,omitempty"`
	Plan            string         `json:"plan"`
	SKUs            []SKU          `json:"skus"`
	VMImageVersions []ImageVersion `json:"vmImageVersions"`
}

// Document is the decoded resource tree of one offer. Only the record kinds
// the mutation algorithm needs are decoded; everything else is dropped, as
// configure submissions carry only the changed resources.
type Document struct {
	Schema      string
	Root        string
	Target      string
	Plans       []Plan
	TechConfigs []TechnicalConfiguration
}

// documentEnvelope is the wire shape of a resource tree.
type documentEnvelope struct {
	Schema    string            `json:"$schema"`
	Root      string            `json:"root"`
	Target    *targetEnvelope   `json:"target,omitempty"`
	Resources []json.RawMessage `json:"resources"`
}

type targetEnvelope struct {
	TargetType string `json:"targetType"`
}

type schemaProbe struct {
	Schema string `json:"$schema"`
}

// resourceKind extracts the record kind from a schema URL, e.g.
// ".../schema/plan/2022-03-01-preview2" yields "plan".
func resourceKind(schema string) string {
	trimmed := strings.TrimPrefix(schema, schemaHost+"/")
	if idx := strings.IndexByte(trimmed, '/'); idx > 0 {
		return trimmed[:idx]
	}
	return trimmed
}

// UnmarshalJSON decodes the resource tree, bucketing records by kind.
func (d *Document) UnmarshalJSON(data []byte) error {
	var envelope documentEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode resource tree: %w", err)
	}

	doc := Document{
		Schema: envelope.Schema,
		Root:   envelope.Root,
	}
	if envelope.Target != nil {
		doc.Target = envelope.Target.TargetType
	}

	for _, raw := range envelope.Resources {
		var probe schemaProbe
		if err := json.Unmarshal(raw, &probe); err != nil {
			return fmt.Errorf("probe resource schema: %w", err)
		}

		switch resourceKind(probe.Schema) {
		case planKind:
			var plan Plan
			if err := json.Unmarshal(raw, &plan); err != nil {
				return fmt.Errorf("decode plan resource: %w", err)
			}
			doc.Plans = append(doc.Plans, plan)
		case techConfigKind:
			var tc TechnicalConfiguration
			if err := json.Unmarshal(raw, &tc); err != nil {
				return fmt.Errorf("decode technical configuration: %w", err)
			}
			doc.TechConfigs = append(doc.TechConfigs, tc)
		}
	}

	*d = doc
	return nil
}

// FindPlan locates the plan whose external identity equals skuID.
func (d *Document) FindPlan(skuID string) (*Plan, error) {
	for i := range d.Plans {
		if d.Plans[i].Identity.ExternalID == skuID {
			return &d.Plans[i], nil
		}
	}
	return nil, NoMatchForSKU(skuID)
}

// FindTechnicalConfig joins the plan identified by skuID to the technical
// configuration referencing its durable id.
func (d *Document) FindTechnicalConfig(skuID string) (*TechnicalConfiguration, error) {
	plan, err := d.FindPlan(skuID)
	if err != nil {
		return nil, err
	}
	for i := range d.TechConfigs {
		if d.TechConfigs[i].Plan == plan.ID {
			return &d.TechConfigs[i], nil
		}
	}
	return nil, NoMatchForSKU(skuID)
}

var datePattern = regexp.MustCompile(`\d{8}`)

// versionFromImageName derives the version number from an 8-digit date
// embedded in the image name, falling back to today.
func versionFromImageName(imageName string, now func() time.Time) string {
	for _, match := range datePattern.FindAllString(imageName, -1) {
		if date, err := time.Parse("20060102", match); err == nil {
			return date.Format("2006.01.02")
		}
	}
	return now().UTC().Format("2006.01.02")
}

// AddVersionOptions configures one AddImageVersion transform.
type AddVersionOptions struct {
	// SKU is the target plan's external identifier.
	SKU string
	// ImageName names the uploaded image; an embedded YYYYMMDD date
	// becomes the version number.
	ImageName string
	// BlobURI is the uploaded artifact's location.
	BlobURI string
	// GenerationSKU optionally adds a second image entry for a disk
	// generation variant of the same plan.
	GenerationSKU string
}

// AddImageVersion returns a copy of the document with a new image version
// appended to the technical configuration owning the target SKU. This is a
// pure in-memory transform; nothing is submitted.
func (d Document) AddImageVersion(opts AddVersionOptions) (Document, error) {
	return d.addImageVersion(opts, time.Now)
}

func (d Document) addImageVersion(opts AddVersionOptions, now func() time.Time) (Document, error) {
	doc := d.clone()

	tc, err := doc.FindTechnicalConfig(opts.SKU)
	if err != nil {
		return Document{}, err
	}

	imageType, ok := tc.imageType(opts.SKU)
	if !ok {
		return Document{}, NoMatchForSKU(opts.SKU)
	}

	images := []VMImage{{ImageType: imageType, SourceURI: opts.BlobURI}}

	if opts.GenerationSKU != "" {
		generationType, ok := tc.imageType(opts.GenerationSKU)
		if !ok {
			return Document{}, NoMatchForSKU(opts.GenerationSKU)
		}
		images = append(images, VMImage{ImageType: generationType, SourceURI: opts.BlobURI})
	}

	version := ImageVersion{
		VersionNumber:  versionFromImageName(opts.ImageName, now),
		LifecycleState: StateGenerallyAvailable,
		VMImages:       images,
	}

	// Re-applying against the same document state replaces the entry
	// instead of growing the list.
	for i := range tc.VMImageVersions {
		if tc.VMImageVersions[i].VersionNumber == version.VersionNumber {
			tc.VMImageVersions[i] = version
			return doc, nil
		}
	}
	tc.VMImageVersions = append(tc.VMImageVersions, version)
	return doc, nil
}

// DeprecateImageVersion returns a copy of the document with the named
// version's lifecycle state flipped to deprecated. Deprecating an already
// deprecated version is a no-op.
func (d Document) DeprecateImageVersion(versionNumber string) (Document, error) {
	doc := d.clone()

	for t := range doc.TechConfigs {
		versions := doc.TechConfigs[t].VMImageVersions
		for i := range versions {
			if versions[i].VersionNumber == versionNumber {
				versions[i].LifecycleState = StateDeprecated
				return doc, nil
			}
		}
	}
	return Document{}, NoMatchForVersion(versionNumber)
}

// RemoveImageVersion returns a copy of the document with the named version
// removed from every technical configuration that lists it.
func (d Document) RemoveImageVersion(versionNumber string) (Document, error) {
	doc := d.clone()

	removed := false
	for t := range doc.TechConfigs {
		tc := &doc.TechConfigs[t]
		kept := tc.VMImageVersions[:0]
		for _, version := range tc.VMImageVersions {
			if version.VersionNumber == versionNumber {
				removed = true
				continue
			}
			kept = append(kept, version)
		}
		tc.VMImageVersions = kept
	}

	if !removed {
		return Document{}, NoMatchForVersion(versionNumber)
	}
	return doc, nil
}

// imageType looks up the declared image type for a SKU identifier.
func (tc *TechnicalConfiguration) imageType(skuID string) (string, bool) {
	for _, sku := range tc.SKUs {
		if sku.SKUID == skuID {
			return sku.ImageType, true
		}
	}
	return "", false
}

// clone deep-copies the mutable parts of the document so transforms never
// edit shared state.
func (d Document) clone() Document {
	doc := d
	doc.Plans = append([]Plan(nil), d.Plans...)
	doc.TechConfigs = make([]TechnicalConfiguration, len(d.TechConfigs))
	for i, tc := range d.TechConfigs {
		copied := tc
		copied.SKUs = append([]SKU(nil), tc.SKUs...)
		copied.VMImageVersions = make([]ImageVersion, len(tc.VMImageVersions))
		for j, version := range tc.VMImageVersions {
			versionCopy := version
			versionCopy.VMImages = append([]VMImage(nil), version.VMImages...)
			copied.VMImageVersions[j] = versionCopy
		}
		doc.TechConfigs[i] = copied
	}
	return doc
}
