package verify

import (
	"fmt"
	"strings"
	"unicode"
)

// ValidateFullName checks a claimed full name: 3-100 characters, 2-4
// whitespace-separated tokens, letters and hyphens only.
func ValidateFullName(fullName string) error {
	trimmed := strings.TrimSpace(fullName)
	if len([]rune(trimmed)) < 3 {
		return fmt.Errorf("the full name must contain at least 3 characters")
	}
	if len([]rune(fullName)) > 100 {
		return fmt.Errorf("the full name is too long (100 characters maximum)")
	}

	words := strings.Fields(trimmed)
	if len(words) < 2 || len(words) > 4 {
		return fmt.Errorf("the full name must contain 2-4 words (surname, given name, patronymic)")
	}

	for _, word := range words {
		for _, r := range word {
			if !unicode.IsLetter(r) && r != '-' {
				return fmt.Errorf("the full name may contain only letters and hyphens")
			}
		}
	}

	return nil
}

// ValidateWorkplace checks a workplace name: 3-200 characters.
func ValidateWorkplace(workplace string) error {
	if len([]rune(strings.TrimSpace(workplace))) < 3 {
		return fmt.Errorf("the workplace must contain at least 3 characters")
	}
	if len([]rune(workplace)) > 200 {
		return fmt.Errorf("the workplace name is too long (200 characters maximum)")
	}
	return nil
}

// NormalizeWebsiteURL validates a website URL and returns its normalized
// form: lowercased, with an https scheme prefixed when missing.
func NormalizeWebsiteURL(rawURL string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(rawURL))
	if len(trimmed) < 5 {
		return "", fmt.Errorf("the URL is too short")
	}

	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "https://" + trimmed
	}

	if !strings.Contains(trimmed, ".") || len(trimmed) <= 10 {
		return "", fmt.Errorf("the URL format is invalid")
	}

	return trimmed, nil
}

// ValidateFileSize checks an upload against the configured byte ceiling.
func ValidateFileSize(fileSize, maxSizeBytes int64, maxSizeMB int) error {
	if fileSize > maxSizeBytes {
		return fmt.Errorf("the file is too large: %.1f MB (maximum %d MB)",
			float64(fileSize)/1024/1024, maxSizeMB)
	}
	return nil
}

// ValidateFileType checks a declared MIME type against the allow-list.
func ValidateFileType(mimeType string, allowedTypes []string) error {
	for _, allowed := range allowedTypes {
		if mimeType == allowed {
			return nil
		}
	}
	return fmt.Errorf("unsupported file type %q (allowed: %s)",
		mimeType, strings.Join(allowedTypes, ", "))
}
