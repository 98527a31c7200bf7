// Package templates renders Handlebars-style templates in configuration
// values. The context is the process environment, so configs reference
// secrets as {{SF_PASSWORD}} instead of embedding them.
package templates

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aymerick/raymond"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
)

const (
	alphanumericChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	numericChars      = "0123456789"
)

var registerOnce sync.Once

// Init registers the custom helpers. Safe to call more than once.
func Init() {
	registerOnce.Do(registerHelpers)
}

func registerHelpers() {
	// {{randomValue type="NUMERIC" length=6}}
	raymond.RegisterHelper("randomValue", func(options *raymond.Options) string {
		randomType := strings.ToUpper(options.HashStr("type"))
		if randomType == "UUID" {
			return uuid.New().String()
		}

		length := 10
		if lengthVal := options.HashProp("length"); lengthVal != nil {
			length = toInt(lengthVal, length)
		}

		chars := alphanumericChars
		if randomType == "NUMERIC" {
			chars = numericChars
		}
		return randomString(chars, length)
	})

	// {{randomInt lower=1 upper=20}}
	raymond.RegisterHelper("randomInt", func(options *raymond.Options) string {
		lower := 0
		upper := 100
		if v := options.HashProp("lower"); v != nil {
			lower = toInt(v, lower)
		}
		if v := options.HashProp("upper"); v != nil {
			upper = toInt(v, upper)
		}
		if lower > upper {
			lower, upper = upper, lower
		}
		n, err := rand.Int(rand.Reader, big.NewInt(int64(upper-lower+1)))
		if err != nil {
			return fmt.Sprintf("%d", lower)
		}
		return fmt.Sprintf("%d", lower+int(n.Int64()))
	})

	// {{now format="unix"}}
	raymond.RegisterHelper("now", func(options *raymond.Options) string {
		now := time.Now().UTC()
		switch options.HashStr("format") {
		case "unix":
			return fmt.Sprintf("%d", now.Unix())
		case "date":
			return now.Format("2006-01-02")
		default:
			return now.Format(time.RFC3339)
		}
	})

	// {{faker "Company.name"}}
	raymond.RegisterHelper("faker", func(key string) string {
		f := gofakeit.New(0)
		switch key {
		case "Name.full_name":
			return f.Name()
		case "Company.name":
			return f.Company()
		case "Internet.email":
			return f.Email()
		case "Phone.number":
			return f.Phone()
		case "Misc.uuid":
			return f.UUID()
		}
		return ""
	})
}

// Render parses and executes a template against the given context. On any
// parse or execution failure the input is returned unchanged.
func Render(input string, context map[string]string) string {
	if input == "" || !strings.Contains(input, "{{") {
		return input
	}
	Init()

	tmpl, err := raymond.Parse(input)
	if err != nil {
		return input
	}
	output, err := tmpl.Exec(context)
	if err != nil {
		return input
	}
	return output
}

// AllEnv returns the process environment as a template context.
func AllEnv() map[string]string {
	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envMap[parts[0]] = parts[1]
		}
	}
	return envMap
}

func randomString(chars string, length int) string {
	if length <= 0 {
		return ""
	}
	var sb strings.Builder
	max := big.NewInt(int64(len(chars)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return sb.String()
		}
		sb.WriteByte(chars[n.Int64()])
	}
	return sb.String()
}

func toInt(v interface{}, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		var parsed int
		if _, err := fmt.Sscanf(n, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
