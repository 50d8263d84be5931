package layer

import (
	"fmt"
	"net/url"
	"strings"
)

// Service protocol versions advertised in the catalog.
const (
	WMSVersion = "1.1.1"
	WFSVersion = "1.1.0"
)

// WorkspaceName is the workspace a state's layer is published in, e.g.
// "CA" and "wells" give "CAwells".
func WorkspaceName(state, layerName string) string {
	return state + layerName
}

// CapabilitiesURL is the direct GetCapabilities URL of a layer. The
// trailing /rest of the REST service URL is replaced by the workspace's
// OWS endpoint.
func CapabilitiesURL(serviceURL, workspace, layer, service, version string) string {
	ows := fmt.Sprintf("/%s/ows?service=%s&version=%s&request=GetCapabilities&typeName=%s:%s",
		workspace, service, version, workspace, layer)
	base := strings.TrimRight(serviceURL, "/")
	if strings.HasSuffix(base, "/rest") {
		return strings.TrimSuffix(base, "/rest") + ows
	}
	return base + ows
}

// PublicURL routes capURL through the capability proxy of siteURL. With
// no site URL the direct URL is returned.
func PublicURL(siteURL, capURL, workspaceName string) string {
	if siteURL == "" {
		return capURL
	}
	return strings.TrimRight(siteURL, "/") + "/geoserver/get-ogc-services?url=" + url.QueryEscape(capURL) + "&workspace=" + workspaceName
}
