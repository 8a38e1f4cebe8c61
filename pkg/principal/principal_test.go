package principal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    Kind
		expectError bool
	}{
		{"user", "user", KindUser, false},
		{"company", "company", KindCompany, false},
		{"mixed case", "Company", KindCompany, false},
		{"empty", "", "", true},
		{"unknown", "robot", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, err := ParseKind(tt.input)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, kind)
		})
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name      string
		principal *Principal
		expected  string
	}{
		{"explicit name wins", &Principal{Email: "jo@example.com", Name: "Jo Doe"}, "Jo Doe"},
		{"falls back to email local part", &Principal{Email: "jo.doe@example.com"}, "jo.doe"},
		{"email without at sign", &Principal{Email: "not-an-email"}, "not-an-email"},
		{"empty email", &Principal{}, ""},
		{"nil principal", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.principal.DisplayName())
		})
	}
}

func TestUsable(t *testing.T) {
	assert.False(t, (*Principal)(nil).Usable())
	assert.False(t, (&Principal{Name: "no email"}).Usable())
	assert.True(t, (&Principal{Email: "jo@example.com"}).Usable())
}

func TestMerge_UpdateWinsWhenSet(t *testing.T) {
	existing := &Principal{ID: "u1", Email: "old@example.com", Name: "Old", Role: "candidate"}
	update := &Principal{Email: "new@example.com", Role: "admin"}

	merged := Merge(existing, update)

	assert.Equal(t, "u1", merged.ID)
	assert.Equal(t, "new@example.com", merged.Email)
	assert.Equal(t, "Old", merged.Name)
	assert.Equal(t, "admin", merged.Role)
}

func TestMerge_OmittedFieldsKeepExistingValues(t *testing.T) {
	existing := &Principal{ID: "u1", Email: "jo@example.com", Name: "Jo", Role: "candidate"}

	merged := Merge(existing, &Principal{})

	assert.Equal(t, existing, merged)
}

func TestMerge_NilArguments(t *testing.T) {
	p := &Principal{ID: "u1", Email: "jo@example.com"}

	assert.Equal(t, p, Merge(nil, p))
	assert.Equal(t, p, Merge(p, nil))
	assert.Nil(t, Merge(nil, nil))
}

func TestMerge_DoesNotMutateArguments(t *testing.T) {
	existing := &Principal{ID: "u1", Email: "jo@example.com", Name: "Jo"}
	update := &Principal{Name: "New Name"}

	merged := Merge(existing, update)
	merged.Email = "changed@example.com"
	merged.Profile = &CompanyProfile{Website: "https://changed.example.com"}

	assert.Equal(t, "jo@example.com", existing.Email)
	assert.Equal(t, "Jo", existing.Name)
	assert.Nil(t, existing.Profile)
	assert.Equal(t, "New Name", update.Name)
}

func TestMerge_CompanyProfile(t *testing.T) {
	created := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	existing := &Principal{
		ID:    "c1",
		Email: "hiring@acme.example.com",
		Profile: &CompanyProfile{
			Website:   "https://acme.example.com",
			Industry:  "logistics",
			JobCount:  4,
			CreatedAt: &created,
		},
	}
	update := &Principal{
		Profile: &CompanyProfile{
			Industry: "freight",
			Verified: true,
		},
	}

	merged := Merge(existing, update)

	require.NotNil(t, merged.Profile)
	assert.Equal(t, "https://acme.example.com", merged.Profile.Website)
	assert.Equal(t, "freight", merged.Profile.Industry)
	assert.Equal(t, 4, merged.Profile.JobCount)
	assert.True(t, merged.Profile.Verified)
	assert.Equal(t, &created, merged.Profile.CreatedAt)
}

func TestMerge_ProfileAddedWhenExistingHasNone(t *testing.T) {
	existing := &Principal{ID: "c1", Email: "hiring@acme.example.com"}
	update := &Principal{Profile: &CompanyProfile{Website: "https://acme.example.com"}}

	merged := Merge(existing, update)

	require.NotNil(t, merged.Profile)
	assert.Equal(t, "https://acme.example.com", merged.Profile.Website)
}
