package aggregator

import "strings"

// BuildAggregatedToolName builds the namespaced tool/prompt identifier,
// "{service_name}/{original_name}", per spec.md §3. Pure function of its
// inputs: no randomness, no state.
func BuildAggregatedToolName(serviceName, originalName string) string {
	return serviceName + "/" + originalName
}

// ParseAggregatedToolName splits an aggregated tool/prompt name at the
// first "/". A missing separator is reported via ok=false.
func ParseAggregatedToolName(aggregated string) (serviceName, originalName string, ok bool) {
	idx := strings.Index(aggregated, "/")
	if idx < 0 {
		return "", "", false
	}
	return aggregated[:idx], aggregated[idx+1:], true
}

// resourceSeparator is chosen, per spec.md §3, so that no URI scheme can
// collide with it.
const resourceSeparator = ":::"

// BuildPrefixedURI builds the namespaced resource identifier,
// "{service_name}:::{original_uri}".
func BuildPrefixedURI(serviceName, originalURI string) string {
	return serviceName + resourceSeparator + originalURI
}

// ParsePrefixedURI splits an aggregated resource URI at the first ":::".
func ParsePrefixedURI(aggregated string) (serviceName, originalURI string, ok bool) {
	idx := strings.Index(aggregated, resourceSeparator)
	if idx < 0 {
		return "", "", false
	}
	return aggregated[:idx], aggregated[idx+len(resourceSeparator):], true
}
