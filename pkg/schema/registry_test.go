package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const greeterProto = `syntax = "proto3";

package helloworld;

service Greeter {
  rpc SayHello (HelloRequest) returns (HelloReply) {}
  rpc SayHelloStream (HelloRequest) returns (stream HelloReply) {}
}

message HelloRequest {
  string name = 1;
}

message HelloReply {
  string message = 1;
}
`

const malformedProto = `syntax = "proto3";

this is not valid proto {{{
`

func writeProto(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadParsesServiceAndMethods(t *testing.T) {
	dir := t.TempDir()
	writeProto(t, dir, "greeter.proto", greeterProto)

	reg, report := Load(dir)
	require.Len(t, report.Files, 1)
	require.Equal(t, "loaded", report.Files[0].Status)

	svc, ok := reg.GetService("helloworld.Greeter")
	require.True(t, ok)
	require.Len(t, svc.Methods, 2)

	unary := svc.Methods["SayHello"]
	require.Equal(t, "helloworld.greeter.sayhello", unary.RuleKey)
	require.False(t, unary.ServerStreaming)

	stream := svc.Methods["SayHelloStream"]
	require.True(t, stream.ServerStreaming)
	require.Equal(t, "helloworld.greeter.sayhellostream", stream.RuleKey)
}

func TestLoadSkipsMalformedFileWithoutFailingOthers(t *testing.T) {
	dir := t.TempDir()
	writeProto(t, dir, "greeter.proto", greeterProto)
	writeProto(t, dir, "broken.proto", malformedProto)

	reg, report := Load(dir)
	require.Len(t, report.Files, 2)

	statuses := map[string]string{}
	for _, f := range report.Files {
		statuses[f.Path] = f.Status
	}
	require.Equal(t, "loaded", statuses["greeter.proto"])
	require.Equal(t, "skipped", statuses["broken.proto"])

	_, ok := reg.GetService("helloworld.Greeter")
	require.True(t, ok)
}

func TestLoadEmptyDirectoryIsValid(t *testing.T) {
	dir := t.TempDir()
	reg, report := Load(dir)
	require.Empty(t, report.Files)
	require.Equal(t, 0, reg.ServiceCount())
}

func TestRuleKeyLowercasesMixedCaseNames(t *testing.T) {
	dir := t.TempDir()
	writeProto(t, dir, "a.proto", `syntax = "proto3";
package Pkg.Sub;
service MyService {
  rpc DoThing (Req) returns (Resp) {}
}
message Req { string x = 1; }
message Resp { string y = 1; }
`)
	reg, _ := Load(dir)
	_, method, ok := reg.GetMethodByRuleKey("pkg.sub.myservice.dothing")
	require.True(t, ok)
	require.Equal(t, "DoThing", method.Name)
}
