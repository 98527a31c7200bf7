package salesforce

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/mykhaliev/org-promptgen/logger"
	"github.com/mykhaliev/org-promptgen/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a scripted API implementation keyed by object name and query
// text.
type fakeAPI struct {
	global       []GlobalObject
	describeErr  map[string]error
	queryRecords map[string][]map[string]any
	queryErr     map[string]error

	describeCalls []string
}

func (f *fakeAPI) DescribeGlobal(context.Context) ([]GlobalObject, error) {
	return f.global, nil
}

func (f *fakeAPI) DescribeObject(_ context.Context, name string) ([]model.FieldDescriptor, error) {
	f.describeCalls = append(f.describeCalls, name)
	if err, ok := f.describeErr[name]; ok {
		return nil, err
	}
	return []model.FieldDescriptor{
		{Name: "Id", Type: "id"},
		{Name: "Name", Type: "string"},
		{Name: "OwnerId", Type: "reference", ReferenceTo: []string{"User"}},
	}, nil
}

func (f *fakeAPI) Query(_ context.Context, soql string) ([]map[string]any, error) {
	for fragment, err := range f.queryErr {
		if strings.Contains(soql, fragment) {
			return nil, err
		}
	}
	for fragment, records := range f.queryRecords {
		if strings.Contains(soql, fragment) {
			return records, nil
		}
	}
	return nil, nil
}

func usableObject(name string, custom bool) GlobalObject {
	return GlobalObject{Name: name, Label: name, Custom: custom, Queryable: true, Retrieveable: true}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		global: []GlobalObject{
			usableObject("Account", false),
			usableObject("Contact", false),
			usableObject("Opportunity", false),
			usableObject("Claim__c", true),
			usableObject("Insurance_Policy__c", true),
			// Not queryable: must be skipped entirely.
			{Name: "Vote", Label: "Vote", Queryable: false, Retrieveable: true},
		},
		queryRecords: map[string][]map[string]any{
			"FROM Organization": {{
				"Id": "00D000000000001", "Name": "Acme Insurance",
				"OrganizationType": "Enterprise Edition", "IsSandbox": true,
			}},
			"FROM FlowDefinitionView": {
				{"ApiName": "Claim_Intake", "Label": "Claim Intake", "ProcessType": "Flow", "IsActive": true},
				{"ApiName": "Old_Routing", "Label": "Old Routing", "ProcessType": "Workflow", "IsActive": false},
			},
			"FROM Account ": {
				{"Id": "001A", "Name": "Acme"},
				{"Id": "001B", "Name": "Globex"},
			},
			"FROM Claim__c": {
				{"Id": "a01A", "Name": "CLM-0001"},
			},
		},
	}
}

func TestExtractWith(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	api := newFakeAPI()

	result, err := ExtractWith(context.Background(), api)
	require.NoError(t, err)

	assert.Equal(t, "Acme Insurance", result.Summary.OrgName)
	assert.Equal(t, "Enterprise Edition", result.Summary.OrgType)
	assert.True(t, result.Summary.Sandbox)
	assert.Equal(t, 2, result.Summary.CustomObjectCount)
	assert.Equal(t, 2, result.Summary.FlowCount)
	assert.Equal(t, 1, result.Summary.ActiveFlowCount)
	assert.False(t, result.Summary.ExtractedAt.IsZero())

	// Priority objects present in the org come first, then custom objects.
	assert.Equal(t, []string{"Account", "Contact", "Opportunity", "Claim__c", "Insurance_Policy__c"}, api.describeCalls)
	require.Len(t, result.Objects, 5)
	require.Len(t, result.Flows, 2)
	assert.Equal(t, "Claim_Intake", result.Flows[0].APIName)

	// Sample records are attached to the described objects that have data.
	byName := make(map[string]model.ObjectDescriptor)
	for _, o := range result.Objects {
		byName[o.Name] = o
	}
	require.Len(t, byName["Account"].SampleRecords, 2)
	assert.Equal(t, "Acme", byName["Account"].SampleRecords[0].Name)
	require.Len(t, byName["Claim__c"].SampleRecords, 1)
	assert.Empty(t, byName["Opportunity"].SampleRecords)

	summaryNames := make([]string, 0, len(result.Summary.Objects))
	for _, o := range result.Summary.Objects {
		summaryNames = append(summaryNames, o.Name)
	}
	assert.Contains(t, summaryNames, "Account")
	assert.NotContains(t, summaryNames, "Vote")
	assert.Empty(t, result.Warnings)
}

func TestExtractWith_DescribeFailureIsWarning(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	api := newFakeAPI()
	api.describeErr = map[string]error{
		"Claim__c": fmt.Errorf("salesforce API error 400 (INVALID_TYPE): describe failed"),
	}

	result, err := ExtractWith(context.Background(), api)
	require.NoError(t, err)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "Claim__c")

	for _, o := range result.Objects {
		assert.NotEqual(t, "Claim__c", o.Name)
	}
}

func TestExtractWith_QuotaErrorIsTerminal(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	api := newFakeAPI()
	api.describeErr = map[string]error{
		"Account": &model.QuotaError{Detail: "TotalRequests Limit exceeded."},
	}

	_, err := ExtractWith(context.Background(), api)
	var quotaErr *model.QuotaError
	require.ErrorAs(t, err, &quotaErr)
}

func TestExtractWith_AuthErrorIsTerminal(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	api := newFakeAPI()
	api.describeErr = map[string]error{
		"Contact": &model.AuthenticationError{Reason: "Session expired or invalid"},
	}

	_, err := ExtractWith(context.Background(), api)
	var authErr *model.AuthenticationError
	require.ErrorAs(t, err, &authErr)
}

func TestExtractWith_OrgQueryFailureIsTerminal(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	api := newFakeAPI()
	api.queryErr = map[string]error{
		"FROM Organization": &model.ConnectivityError{Err: fmt.Errorf("connection reset")},
	}

	_, err := ExtractWith(context.Background(), api)
	var connErr *model.ConnectivityError
	require.ErrorAs(t, err, &connErr)
}

func TestExtractWith_FlowQueryFailureIsWarning(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	api := newFakeAPI()
	api.queryErr = map[string]error{
		"FROM FlowDefinitionView": fmt.Errorf("salesforce API error 400 (INVALID_TYPE): no such view"),
	}

	result, err := ExtractWith(context.Background(), api)
	require.NoError(t, err)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "flow query failed")
	assert.Empty(t, result.Flows)
	assert.Equal(t, 0, result.Summary.FlowCount)
}

func TestDetailedObjectNames_CustomCap(t *testing.T) {
	byName := make(map[string]GlobalObject)
	var custom []GlobalObject
	for i := 0; i < maxDetailedCustom+10; i++ {
		o := usableObject(fmt.Sprintf("Custom_%02d__c", i), true)
		byName[o.Name] = o
		custom = append(custom, o)
	}

	names := detailedObjectNames(byName, custom)
	assert.Len(t, names, maxDetailedCustom)
	assert.Equal(t, "Custom_00__c", names[0])
}
