package docker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeProjectName(t *testing.T) {
	assert.Equal(t, "heap-feng-shui", SanitizeProjectName("Heap Feng Shui"))
	assert.Equal(t, "cafe-creme", SanitizeProjectName("Café Crème!"))
	assert.Equal(t, "web_01", SanitizeProjectName("__Web_01--"))
}

func TestResourceName(t *testing.T) {
	a := ResourceName("Heap Feng Shui", "5f0c7a8e-1111-4c1b-9d1e-000000000001")
	b := ResourceName("Heap Feng Shui", "5f0c7a8e-1111-4c1b-9d1e-000000000002")

	assert.True(t, strings.HasPrefix(a, "kiln-heap-feng-shui-"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, ResourceName("Heap Feng Shui", "5f0c7a8e-1111-4c1b-9d1e-000000000001"))

	long := ResourceName(strings.Repeat("x", 100), "id")
	assert.LessOrEqual(t, len(long), maxNamePart+11)
}
