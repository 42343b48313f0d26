// Package bridge carries schedule changes from the API process to the
// scheduler process over gRPC.
//
// The service is taskpanel.Cron with AddCron and DeleteCron, both
// returning google.protobuf.Empty. Request messages are built at init from
// a descriptor declared in Go and handled as dynamicpb messages, so there
// is no generated code. grpc.health.v1 is served next to it.
package bridge
