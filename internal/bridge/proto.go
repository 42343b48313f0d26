package bridge

import (
	"strconv"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

const (
	serviceName      = "taskpanel.Cron"
	methodAddCron    = "/" + serviceName + "/AddCron"
	methodDeleteCron = "/" + serviceName + "/DeleteCron"
)

// Message descriptors for the wire format:
//
//	message CronEntry        { string id = 1; string schedule = 2; string command = 3; }
//	message AddCronRequest   { repeated CronEntry crons = 1; }
//	message DeleteCronRequest { repeated string ids = 1; }
var (
	cronEntryDesc  protoreflect.MessageDescriptor
	addCronDesc    protoreflect.MessageDescriptor
	deleteCronDesc protoreflect.MessageDescriptor
)

func init() {
	str := descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum()
	msg := descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum()
	opt := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum()
	rep := descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()

	fdp := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("taskpanel/cron.proto"),
		Package: proto.String("taskpanel"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("CronEntry"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: proto.String("id"), JsonName: proto.String("id"), Number: proto.Int32(1), Type: str, Label: opt},
					{Name: proto.String("schedule"), JsonName: proto.String("schedule"), Number: proto.Int32(2), Type: str, Label: opt},
					{Name: proto.String("command"), JsonName: proto.String("command"), Number: proto.Int32(3), Type: str, Label: opt},
				},
			},
			{
				Name: proto.String("AddCronRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: proto.String("crons"), JsonName: proto.String("crons"), Number: proto.Int32(1), Type: msg, Label: rep, TypeName: proto.String(".taskpanel.CronEntry")},
				},
			},
			{
				Name: proto.String("DeleteCronRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: proto.String("ids"), JsonName: proto.String("ids"), Number: proto.Int32(1), Type: str, Label: rep},
				},
			},
		},
	}
	fd, err := protodesc.NewFile(fdp, nil)
	if err != nil {
		panic("bridge: build descriptor: " + err.Error())
	}
	msgs := fd.Messages()
	cronEntryDesc = msgs.ByName("CronEntry")
	addCronDesc = msgs.ByName("AddCronRequest")
	deleteCronDesc = msgs.ByName("DeleteCronRequest")
}

// Entry is one schedule registration carried by AddCron.
type Entry struct {
	ID       int64
	Schedule string
	Command  string
}

// wireEntry keeps the id as sent so a malformed one can be reported.
type wireEntry struct {
	ID       string
	Schedule string
	Command  string
}

func encodeAddCron(entries []Entry) *dynamicpb.Message {
	req := dynamicpb.NewMessage(addCronDesc)
	list := req.Mutable(addCronDesc.Fields().ByName("crons")).List()
	f := cronEntryDesc.Fields()
	for _, e := range entries {
		m := dynamicpb.NewMessage(cronEntryDesc)
		m.Set(f.ByName("id"), protoreflect.ValueOfString(strconv.FormatInt(e.ID, 10)))
		m.Set(f.ByName("schedule"), protoreflect.ValueOfString(e.Schedule))
		m.Set(f.ByName("command"), protoreflect.ValueOfString(e.Command))
		list.Append(protoreflect.ValueOfMessage(m))
	}
	return req
}

func decodeAddCron(req protoreflect.Message) []wireEntry {
	list := req.Get(addCronDesc.Fields().ByName("crons")).List()
	f := cronEntryDesc.Fields()
	out := make([]wireEntry, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		m := list.Get(i).Message()
		out = append(out, wireEntry{
			ID:       m.Get(f.ByName("id")).String(),
			Schedule: m.Get(f.ByName("schedule")).String(),
			Command:  m.Get(f.ByName("command")).String(),
		})
	}
	return out
}

func encodeDeleteCron(ids []int64) *dynamicpb.Message {
	req := dynamicpb.NewMessage(deleteCronDesc)
	list := req.Mutable(deleteCronDesc.Fields().ByName("ids")).List()
	for _, id := range ids {
		list.Append(protoreflect.ValueOfString(strconv.FormatInt(id, 10)))
	}
	return req
}

func decodeDeleteCron(req protoreflect.Message) []string {
	list := req.Get(deleteCronDesc.Fields().ByName("ids")).List()
	out := make([]string, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		out = append(out, list.Get(i).String())
	}
	return out
}
