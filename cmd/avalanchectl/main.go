// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// avalanchectl calls the management service of a running avalanche.
//
//	avalanchectl                                  list methods
//	avalanchectl ReadWord 1073741824
//	avalanchectl WriteWord '{"addr": 1073741824, "value": 42}'
//	avalanchectl PressReset '"0.2s"'
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	"github.com/jhump/protoreflect/dynamic/grpcdynamic"
	"github.com/jhump/protoreflect/grpcreflect"
	agrpc "github.com/u-root/avalanche/pkg/service/grpc"
	"google.golang.org/grpc"
	reflectpb "google.golang.org/grpc/reflection/grpc_reflection_v1alpha"
	"google.golang.org/grpc/status"
)

var (
	host    = flag.String("host", "[::1]:8080", "Which avalanche management address to connect to")
	timeout = flag.Duration("timeout", time.Minute, "Deadline of the call")
)

var examples = map[string]string{
	"google.protobuf.Empty":       "{}",
	"google.protobuf.UInt64Value": "1073741824",
	"google.protobuf.Duration":    `"0.2s"`,
}

func main() {
	flag.Parse()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c, err := grpc.DialContext(ctx, *host, grpc.WithBlock(), grpc.WithInsecure())
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer c.Close()

	refClient := grpcreflect.NewClient(ctx, reflectpb.NewServerReflectionClient(c))
	defer refClient.Reset()
	sd, err := refClient.ResolveService(agrpc.ServiceName)
	if err != nil {
		log.Fatalf("ResolveService(%s) failed: %v", agrpc.ServiceName, err)
	}

	if len(flag.Args()) == 0 {
		usage(sd)
		return
	}
	call(ctx, c, sd, flag.Args()[0], strings.Join(flag.Args()[1:], " "))
}

func call(ctx context.Context, c *grpc.ClientConn, sd *desc.ServiceDescriptor, method string, text string) {
	md := sd.FindMethodByName(method)
	if md == nil {
		log.Fatalf("Unknown method %s, run without arguments for a list", method)
	}
	req := dynamic.NewMessage(md.GetInputType())
	if text != "" {
		if err := req.UnmarshalJSON([]byte(text)); err != nil {
			log.Fatalf("Parsing %s request: %v", md.GetInputType().GetFullyQualifiedName(), err)
		}
	}
	resp, err := grpcdynamic.NewStub(c).InvokeRpc(ctx, md, req)
	if err != nil {
		st := status.Convert(err)
		log.Fatalf("RPC returned error code %s: %s\n", st.Code().String(), st.Message())
	}
	dm, err := dynamic.AsDynamicMessage(resp)
	if err != nil {
		log.Fatalf("Decoding response: %v", err)
	}
	out, err := dm.MarshalJSONIndent()
	if err != nil {
		log.Fatalf("Formatting response: %v", err)
	}
	fmt.Printf("%s\n", out)
}

func usage(sd *desc.ServiceDescriptor) {
	for _, m := range sd.GetMethods() {
		in := m.GetInputType().GetFullyQualifiedName()
		fmt.Printf("Method: %v\n", m.GetName())
		fmt.Printf(" Request:  %s", in)
		if ex, ok := examples[in]; ok {
			fmt.Printf(", e.g. %s", ex)
		} else {
			fmt.Printf(", a JSON object")
		}
		fmt.Printf("\n Response: %s\n\n", m.GetOutputType().GetFullyQualifiedName())
	}
}
