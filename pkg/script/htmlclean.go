package script

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// skippedElements are noise that never survives extraction.
var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"iframe":   true,
	"svg":      true,
	"link":     true,
	"meta":     true,
}

// keptAttributes are the only attributes preserved on cleaned elements.
var keptAttributes = map[string]bool{
	"href": true,
	"src":  true,
	"alt":  true,
	"id":   true,
}

// cleanHTML strips scripts, styles and other noise from raw HTML while
// preserving semantic structure, and caps the output length.
func cleanHTML(raw string, maxLength int) (string, error) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}

	var builder strings.Builder
	length := 0
	cleanNode(doc, &builder, &length, maxLength)
	return builder.String(), nil
}

// cleanNode recursively writes a cleaned rendering of the node tree.
// Returns true once the length cap is hit.
func cleanNode(n *html.Node, builder *strings.Builder, length *int, maxLength int) bool {
	if *length >= maxLength {
		return true
	}

	switch n.Type {
	case html.CommentNode:
		return false

	case html.TextNode:
		text := strings.TrimSpace(n.Data)
		if text == "" {
			return false
		}
		if *length+len(text) > maxLength {
			builder.WriteString(text[:maxLength-*length])
			builder.WriteString("...")
			*length = maxLength
			return true
		}
		builder.WriteString(text)
		builder.WriteString(" ")
		*length += len(text) + 1
		return false

	case html.ElementNode:
		tag := strings.ToLower(n.Data)
		if skippedElements[tag] {
			return false
		}

		builder.WriteString("<" + tag)
		for _, attr := range n.Attr {
			if keptAttributes[strings.ToLower(attr.Key)] {
				builder.WriteString(fmt.Sprintf(" %s=%q", attr.Key, attr.Val))
			}
		}
		builder.WriteString(">")
		*length += len(tag) + 2

		truncated := cleanChildren(n, builder, length, maxLength)

		builder.WriteString("</" + tag + ">")
		return truncated

	default:
		return cleanChildren(n, builder, length, maxLength)
	}
}

func cleanChildren(n *html.Node, builder *strings.Builder, length *int, maxLength int) bool {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if cleanNode(child, builder, length, maxLength) {
			return true
		}
	}
	return false
}
