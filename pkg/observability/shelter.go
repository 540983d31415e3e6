package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Shelter semantic attributes.
const (
	AttrRepositoryID  = attribute.Key("shelter.repository.id")
	AttrRemoteID      = attribute.Key("shelter.remote.id")
	AttrVersionID     = attribute.Key("shelter.version.id")
	AttrMirror        = attribute.Key("shelter.sync.mirror")
	AttrPolicy        = attribute.Key("shelter.sync.policy")
	AttrOperation     = attribute.Key("shelter.operation")
	AttrHTTPRoute     = attribute.Key("http.route")
	AttrHTTPMethod    = attribute.Key("http.request.method")
	AttrHTTPStatus    = attribute.Key("http.response.status_code")
	AttrUnitsAdded    = attribute.Key("shelter.units.added")
	AttrUnitsRemoved  = attribute.Key("shelter.units.removed")
	AttrUnitErrors    = attribute.Key("shelter.units.errors")
	AttrVersionNumber = attribute.Key("shelter.version.number")
	AttrUnitChange    = attribute.Key("shelter.unit.change")
)

// SyncOperation returns the attributes of a sync.
func SyncOperation(repositoryID, remoteID string, mirror bool, policy string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOperation.String("sync"),
		AttrRepositoryID.String(repositoryID),
		AttrRemoteID.String(remoteID),
		AttrMirror.Bool(mirror),
		AttrPolicy.String(policy),
	}
}

// PublishOperation returns the attributes of a publish.
func PublishOperation(versionID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOperation.String("publish"),
		AttrVersionID.String(versionID),
	}
}

// HTTPOperation returns the attributes of an API request.
func HTTPOperation(method, route string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOperation.String("http"),
		AttrHTTPMethod.String(method),
		AttrHTTPRoute.String(route),
	}
}
