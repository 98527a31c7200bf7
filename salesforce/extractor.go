package salesforce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/org-promptgen/logger"
	"github.com/mykhaliev/org-promptgen/model"
)

// Objects whose fields are always fetched in detail, in addition to the
// first maxDetailedCustom custom objects.
var priorityObjects = []string{
	"Account", "Contact", "Lead", "Opportunity",
	"User", "Profile", "RecordType",
}

const (
	maxDetailedCustom  = 20
	maxSampleObjects   = 5
	sampleRecordLimit  = 5
	accountSampleLimit = 10
)

// API is the Salesforce surface the extractor consumes. *Client satisfies it;
// tests substitute a scripted implementation.
type API interface {
	DescribeGlobal(ctx context.Context) ([]GlobalObject, error)
	DescribeObject(ctx context.Context, name string) ([]model.FieldDescriptor, error)
	Query(ctx context.Context, soql string) ([]map[string]any, error)
}

// ExtractionResult bundles everything one extraction pass produces: the
// bounded summary for the session plus the full descriptors the generator
// grounds its prompts on.
type ExtractionResult struct {
	Summary  model.MetadataSummary
	Objects  []model.ObjectDescriptor
	Flows    []model.FlowDescriptor
	Warnings []string
}

// Extract logs in, pulls org metadata, and returns. The credentials are used
// only for the login call; the authenticated client does not escape this
// function. No retries: a single failure is terminal and the caller may
// resubmit.
func Extract(ctx context.Context, creds model.Credentials) (*ExtractionResult, error) {
	client, err := Login(ctx, creds)
	if err != nil {
		return nil, err
	}
	return ExtractWith(ctx, client)
}

// ExtractWith runs the extraction workflow against an already-authenticated
// API.
func ExtractWith(ctx context.Context, api API) (*ExtractionResult, error) {
	result := &ExtractionResult{}

	orgID, orgName, orgType, sandbox, err := fetchOrgInfo(ctx, api)
	if err != nil {
		return nil, err
	}

	global, err := api.DescribeGlobal(ctx)
	if err != nil {
		return nil, err
	}

	// Only objects that can actually be queried are worth describing.
	usable := slices.Filter(global, func(o GlobalObject) bool {
		return o.Queryable && o.Retrieveable
	})
	customObjects := slices.Filter(usable, func(o GlobalObject) bool {
		return o.Custom
	})

	logger.Logger.Info("Org objects enumerated",
		"total", len(usable),
		"custom", len(customObjects))

	byName := make(map[string]GlobalObject, len(usable))
	for _, o := range usable {
		byName[o.Name] = o
	}

	detailed := detailedObjectNames(byName, customObjects)
	for _, name := range detailed {
		o := byName[name]
		fields, err := api.DescribeObject(ctx, name)
		if err != nil {
			// Quota and auth failures are terminal; anything else is a
			// per-object describe problem worth only a warning.
			if isTerminal(err) {
				return nil, err
			}
			result.Warnings = append(result.Warnings, fmt.Sprintf("error fetching fields for %s: %v", name, err))
			continue
		}
		result.Objects = append(result.Objects, model.ObjectDescriptor{
			Name:      o.Name,
			Label:     o.Label,
			Custom:    o.Custom,
			KeyPrefix: o.KeyPrefix,
			Fields:    fields,
		})
	}

	flows, err := fetchFlows(ctx, api)
	if err != nil {
		if isTerminal(err) {
			return nil, err
		}
		result.Warnings = append(result.Warnings, fmt.Sprintf("flow query failed: %v", err))
	}
	result.Flows = flows

	fetchSampleData(ctx, api, result, customObjects)

	activeFlows := slices.Filter(flows, func(f model.FlowDescriptor) bool { return f.Active })

	result.Summary = model.MetadataSummary{
		OrgID:             orgID,
		OrgName:           orgName,
		OrgType:           orgType,
		Sandbox:           sandbox,
		CustomObjectCount: len(customObjects),
		FlowCount:         len(flows),
		ActiveFlowCount:   len(activeFlows),
		Objects:           summarizeObjects(result.Objects),
		ExtractedAt:       time.Now().UTC(),
	}

	logger.Logger.Info("Metadata extraction complete",
		"org", orgName,
		"custom_objects", len(customObjects),
		"flows", len(flows),
		"warnings", len(result.Warnings))

	return result, nil
}

func fetchOrgInfo(ctx context.Context, api API) (id, name, orgType string, sandbox bool, err error) {
	records, err := api.Query(ctx, "SELECT Id, Name, OrganizationType, IsSandbox FROM Organization")
	if err != nil {
		return "", "", "", false, err
	}
	if len(records) == 0 {
		return "", "", "", false, fmt.Errorf("organization query returned no records")
	}
	rec := records[0]
	return stringField(rec, "Id"), stringField(rec, "Name"),
		stringField(rec, "OrganizationType"), boolField(rec, "IsSandbox"), nil
}

func fetchFlows(ctx context.Context, api API) ([]model.FlowDescriptor, error) {
	records, err := api.Query(ctx,
		"SELECT ApiName, Label, ProcessType, IsActive FROM FlowDefinitionView ORDER BY LastModifiedDate DESC")
	if err != nil {
		return nil, err
	}

	flows := make([]model.FlowDescriptor, 0, len(records))
	for _, rec := range records {
		flows = append(flows, model.FlowDescriptor{
			APIName:     stringField(rec, "ApiName"),
			Label:       stringField(rec, "Label"),
			ProcessType: stringField(rec, "ProcessType"),
			Active:      boolField(rec, "IsActive"),
		})
	}
	return flows, nil
}

// fetchSampleData pulls recent record names so generated prompts can
// reference real data. Failures here only produce warnings; an org with no
// data is still a valid extraction target.
func fetchSampleData(ctx context.Context, api API, result *ExtractionResult, customObjects []GlobalObject) {
	attach := func(objectName, soql string) {
		records, err := api.Query(ctx, soql)
		if err != nil {
			// Objects without a Name field fail here; skip them.
			logger.Logger.Debug("Sample data query skipped", "object", objectName, "error", err)
			return
		}
		samples := make([]model.SampleRecord, 0, len(records))
		for _, rec := range records {
			samples = append(samples, model.SampleRecord{
				ID:   stringField(rec, "Id"),
				Name: stringField(rec, "Name"),
			})
		}
		for i := range result.Objects {
			if result.Objects[i].Name == objectName {
				result.Objects[i].SampleRecords = samples
				return
			}
		}
	}

	attach("Account", fmt.Sprintf("SELECT Id, Name FROM Account ORDER BY LastModifiedDate DESC LIMIT %d", accountSampleLimit))
	attach("Opportunity", fmt.Sprintf("SELECT Id, Name FROM Opportunity ORDER BY LastModifiedDate DESC LIMIT %d", accountSampleLimit))

	for i, o := range customObjects {
		if i >= maxSampleObjects {
			break
		}
		attach(o.Name, fmt.Sprintf("SELECT Id, Name FROM %s ORDER BY LastModifiedDate DESC LIMIT %d", o.Name, sampleRecordLimit))
	}
}

// detailedObjectNames returns the priority objects present in the org plus
// the first maxDetailedCustom custom objects, in stable order.
func detailedObjectNames(byName map[string]GlobalObject, customObjects []GlobalObject) []string {
	var names []string
	for _, name := range priorityObjects {
		if _, ok := byName[name]; ok {
			names = append(names, name)
		}
	}
	for i, o := range customObjects {
		if i >= maxDetailedCustom {
			break
		}
		names = append(names, o.Name)
	}
	return names
}

func summarizeObjects(objects []model.ObjectDescriptor) []model.ObjectSummary {
	summaries := make([]model.ObjectSummary, 0, len(objects))
	for _, o := range objects {
		if len(summaries) >= model.MaxSummaryObjects {
			break
		}
		summaries = append(summaries, model.ObjectSummary{
			Name:              o.Name,
			FieldCount:        len(o.Fields),
			RelationshipCount: o.RelationshipCount(),
		})
	}
	return summaries
}

// isTerminal reports whether an error should abort the whole extraction
// rather than degrade to a warning.
func isTerminal(err error) bool {
	var authErr *model.AuthenticationError
	var quotaErr *model.QuotaError
	var connErr *model.ConnectivityError
	return errors.As(err, &authErr) || errors.As(err, &quotaErr) || errors.As(err, &connErr)
}

func stringField(rec map[string]any, key string) string {
	if v, ok := rec[key].(string); ok {
		return v
	}
	return ""
}

func boolField(rec map[string]any, key string) bool {
	if v, ok := rec[key].(bool); ok {
		return v
	}
	return false
}
