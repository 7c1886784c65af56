package security

import (
	"regexp"
	"strings"
	"testing"
)

func TestValidateFieldDefaults(t *testing.T) {
	tests := []struct {
		name     string
		field    string
		value    string
		wantCode string
	}{
		{"valid email", "email", "user@example.com", ""},
		{"invalid email", "email", "not-an-email", CodeInvalidEmail},
		{"missing email", "email", "   ", CodeRequired},
		{"valid name", "name", "Jane Doe", ""},
		{"short name", "name", "J", CodeTooShort},
		{"name with digits", "name", "Jane99", CodeInvalidFormat},
		{"valid phone", "phone", "+1 (555) 123-4567", ""},
		{"invalid phone", "phone", "call me maybe", CodeInvalidPhone},
		{"optional phone", "phone", "", ""},
		{"short message", "message", "short", CodeTooShort},
		{"valid website", "website", "https://example.com", ""},
		{"invalid website", "website", "not a url", CodeInvalidURL},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := ValidateField(test.field, test.value, FieldRules{})
			if test.wantCode == "" {
				if result.Error != nil {
					t.Errorf("Expected no error, got %v", result.Error)
				}
				return
			}
			if result.Error == nil {
				t.Fatalf("Expected %s error, got none", test.wantCode)
			}
			if result.Error.Code != test.wantCode {
				t.Errorf("Expected code %s, got %s", test.wantCode, result.Error.Code)
			}
			if result.Error.Field != test.field {
				t.Errorf("Expected field %s, got %s", test.field, result.Error.Field)
			}
		})
	}
}

func TestValidateFieldInvalidEmailMessage(t *testing.T) {
	result := ValidateField("email", "not-an-email", FieldRules{})
	if result.Error == nil {
		t.Fatal("Expected validation error")
	}
	if result.Error.Message != "Please enter a valid email address" {
		t.Errorf("Expected email message, got %q", result.Error.Message)
	}
	if result.SanitizedValue != "not-an-email" {
		t.Errorf("Expected sanitized value to be returned, got %q", result.SanitizedValue)
	}
}

func TestValidateFieldSanitizesFirst(t *testing.T) {
	result := ValidateField("message", "<script>alert(1)</script>Hello world!", FieldRules{})
	if result.Error != nil {
		t.Fatalf("Expected no error, got %v", result.Error)
	}
	if result.SanitizedValue != "Hello world!" {
		t.Errorf("Expected 'Hello world!', got %q", result.SanitizedValue)
	}

	// the script is stripped before the length check
	result = ValidateField("message", "<script>alert(1)</script>Hi", FieldRules{})
	if result.Error == nil || result.Error.Code != CodeTooShort {
		t.Errorf("Expected TOO_SHORT, got %v", result.Error)
	}
}

func TestValidateFieldRuleOrder(t *testing.T) {
	rules := FieldRules{
		Required:  true,
		MinLength: 3,
		MaxLength: 5,
		Pattern:   regexp.MustCompile(`^[a-z]+$`),
		Custom: func(v string) string {
			if v == "abcd" {
				return "abcd is reserved"
			}
			return ""
		},
	}

	tests := []struct {
		value    string
		wantCode string
	}{
		{"", CodeRequired},
		{"ab", CodeTooShort},
		{"abcdefg", CodeTooLong},
		{"ABC", CodeInvalidFormat},
		{"abcd", CodeCustom},
		{"abc", ""},
	}

	for _, test := range tests {
		result := ValidateField("code", test.value, rules)
		code := ""
		if result.Error != nil {
			code = result.Error.Code
		}
		if code != test.wantCode {
			t.Errorf("Expected code %q for %q, got %q", test.wantCode, test.value, code)
		}
	}
}

func TestValidateFormContact(t *testing.T) {
	data := map[string]string{
		"name":    "Jane Doe",
		"email":   "bad",
		"message": "Hello there, this is long enough",
	}

	result := ValidateForm(data, ContactFormRules())
	if result.IsValid {
		t.Fatal("Expected form to be invalid")
	}
	if len(result.Errors) != 1 {
		t.Fatalf("Expected 1 error, got %d: %v", len(result.Errors), result.Errors)
	}
	if result.Errors[0].Field != "email" || result.Errors[0].Code != CodeInvalidEmail {
		t.Errorf("Expected email INVALID_EMAIL, got %+v", result.Errors[0])
	}
	if result.SanitizedData["name"] != "Jane Doe" {
		t.Errorf("Expected sanitized name, got %q", result.SanitizedData["name"])
	}
	if len(result.SanitizedData) != len(data) {
		t.Errorf("Expected %d sanitized fields, got %d", len(data), len(result.SanitizedData))
	}
}

func TestValidateFormMissingRequired(t *testing.T) {
	result := ValidateForm(map[string]string{}, ContactFormRules())
	if result.IsValid {
		t.Fatal("Expected form to be invalid")
	}

	expected := []string{"email", "message", "name"}
	if len(result.Errors) != len(expected) {
		t.Fatalf("Expected %d errors, got %v", len(expected), result.Errors)
	}
	for i, field := range expected {
		if result.Errors[i].Field != field {
			t.Errorf("Expected error %d for %s, got %s", i, field, result.Errors[i].Field)
		}
		if result.Errors[i].Code != CodeRequired {
			t.Errorf("Expected REQUIRED for %s, got %s", field, result.Errors[i].Code)
		}
	}
}

func TestValidateFormBooking(t *testing.T) {
	data := map[string]string{
		"name":    "Jane Doe",
		"email":   "jane@example.com",
		"phone":   "+15551234567",
		"service": "web-development",
		"date":    "2024-05-01",
	}

	result := ValidateForm(data, BookingFormRules())
	if !result.IsValid {
		t.Fatalf("Expected booking to be valid, got %v", result.Errors)
	}

	data["service"] = "hacking"
	data["date"] = "01/05/2024"
	result = ValidateForm(data, BookingFormRules())
	if result.IsValid {
		t.Fatal("Expected booking to be invalid")
	}
	codes := map[string]string{}
	for _, e := range result.Errors {
		codes[e.Field] = e.Code
	}
	if codes["service"] != CodeCustom {
		t.Errorf("Expected CUSTOM for service, got %q", codes["service"])
	}
	if codes["date"] != CodeInvalidFormat {
		t.Errorf("Expected INVALID_FORMAT for date, got %q", codes["date"])
	}
}

func TestValidateFieldLengthIgnoresEscaping(t *testing.T) {
	message := strings.Repeat("it's ", 800)
	result := ValidateField("message", message, FieldRules{})
	if result.Error != nil {
		t.Fatalf("Expected a 4000 character message to pass, got %v", result.Error)
	}

	result = ValidateField("subject", strings.Repeat(`"`, 200), FieldRules{})
	if result.Error != nil {
		t.Errorf("Expected 200 quotes to fit the subject, got %v", result.Error)
	}

	booking := BookingFormRules()["message"]
	result = ValidateField("message", message, booking)
	if result.Error != nil {
		t.Errorf("Expected booking message to pass, got %v", result.Error)
	}
}

func TestValidateFormReportsThreats(t *testing.T) {
	data := map[string]string{
		"name":    "Jane Doe",
		"email":   "jane@example.com",
		"message": "<script>alert(document.cookie)</script> union select password from users",
	}

	result := ValidateForm(data, ContactFormRules())
	if len(result.Threats) != 1 {
		t.Fatalf("Expected threats for one field, got %v", result.Threats)
	}
	found := result.Threats["message"]
	if !HasThreatType(found, ThreatDangerousHTML) || !HasThreatType(found, ThreatSQLInjection) {
		t.Errorf("Expected html and sql threats, got %v", found)
	}
	if len(result.AllThreats()) != len(found) {
		t.Errorf("Expected %d threats overall, got %d", len(found), len(result.AllThreats()))
	}

	clean := ValidateForm(map[string]string{"name": "Jane Doe"}, ContactFormRules())
	if clean.Threats != nil || clean.AllThreats() != nil {
		t.Errorf("Expected no threats, got %v", clean.Threats)
	}
}
