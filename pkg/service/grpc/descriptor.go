// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package grpc

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	_ "google.golang.org/protobuf/types/known/durationpb"
	_ "google.golang.org/protobuf/types/known/emptypb"
	_ "google.golang.org/protobuf/types/known/structpb"
	_ "google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "avalanche.Management"
	protoFile   = "avalanche/management.proto"
)

type methodType struct {
	name, in, out string
}

var methodTypes = []methodType{
	{"GetStatus", "google.protobuf.Empty", "google.protobuf.Struct"},
	{"ReadWord", "google.protobuf.UInt64Value", "google.protobuf.UInt32Value"},
	{"WriteWord", "google.protobuf.Struct", "google.protobuf.Empty"},
	{"PressReset", "google.protobuf.Duration", "google.protobuf.Empty"},
	{"Reboot", "google.protobuf.Empty", "google.protobuf.Empty"},
	{"MemTest", "google.protobuf.Struct", "google.protobuf.Struct"},
}

// The service only uses well-known message types, so its descriptor is
// built here and registered for server reflection.
func init() {
	fdp := &descriptorpb.FileDescriptorProto{
		Name:    proto.String(protoFile),
		Package: proto.String("avalanche"),
		Dependency: []string{
			"google/protobuf/duration.proto",
			"google/protobuf/empty.proto",
			"google/protobuf/struct.proto",
			"google/protobuf/wrappers.proto",
		},
		Syntax: proto.String("proto3"),
		Options: &descriptorpb.FileOptions{
			GoPackage: proto.String("github.com/u-root/avalanche/pkg/service/grpc"),
		},
	}
	svc := &descriptorpb.ServiceDescriptorProto{Name: proto.String("Management")}
	for _, m := range methodTypes {
		svc.Method = append(svc.Method, &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(m.name),
			InputType:  proto.String("." + m.in),
			OutputType: proto.String("." + m.out),
		})
	}
	fdp.Service = []*descriptorpb.ServiceDescriptorProto{svc}

	fd, err := protodesc.NewFile(fdp, protoregistry.GlobalFiles)
	if err != nil {
		panic(err)
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		panic(err)
	}
}
