package triagev1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mirador.triage.v1.TriageService"

const (
	TriageService_SubmitIncident_FullMethodName    = "/" + ServiceName + "/SubmitIncident"
	TriageService_SubmitFeedback_FullMethodName    = "/" + ServiceName + "/SubmitFeedback"
	TriageService_GetIncidentResult_FullMethodName = "/" + ServiceName + "/GetIncidentResult"
	TriageService_GetForecast_FullMethodName       = "/" + ServiceName + "/GetForecast"
	TriageService_ListModelVersions_FullMethodName = "/" + ServiceName + "/ListModelVersions"
	TriageService_GetRetrainStatus_FullMethodName  = "/" + ServiceName + "/GetRetrainStatus"
	TriageService_TriggerRetrain_FullMethodName    = "/" + ServiceName + "/TriggerRetrain"
	TriageService_WatchOutcomes_FullMethodName     = "/" + ServiceName + "/WatchOutcomes"
)

// TriageServiceServer is the server API for TriageService.
type TriageServiceServer interface {
	SubmitIncident(context.Context, *SubmitIncidentRequest) (*SubmitIncidentResponse, error)
	SubmitFeedback(context.Context, *SubmitFeedbackRequest) (*SubmitFeedbackResponse, error)
	GetIncidentResult(context.Context, *GetIncidentResultRequest) (*GetIncidentResultResponse, error)
	GetForecast(context.Context, *GetForecastRequest) (*GetForecastResponse, error)
	ListModelVersions(context.Context, *ListModelVersionsRequest) (*ListModelVersionsResponse, error)
	GetRetrainStatus(context.Context, *GetRetrainStatusRequest) (*GetRetrainStatusResponse, error)
	TriggerRetrain(context.Context, *TriggerRetrainRequest) (*TriggerRetrainResponse, error)
	WatchOutcomes(*WatchOutcomesRequest, TriageService_WatchOutcomesServer) error
	mustEmbedUnimplementedTriageServiceServer()
}

// UnimplementedTriageServiceServer must be embedded by value in every
// TriageServiceServer implementation.
type UnimplementedTriageServiceServer struct{}

func (UnimplementedTriageServiceServer) SubmitIncident(context.Context, *SubmitIncidentRequest) (*SubmitIncidentResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method SubmitIncident not implemented")
}
func (UnimplementedTriageServiceServer) SubmitFeedback(context.Context, *SubmitFeedbackRequest) (*SubmitFeedbackResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method SubmitFeedback not implemented")
}
func (UnimplementedTriageServiceServer) GetIncidentResult(context.Context, *GetIncidentResultRequest) (*GetIncidentResultResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetIncidentResult not implemented")
}
func (UnimplementedTriageServiceServer) GetForecast(context.Context, *GetForecastRequest) (*GetForecastResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetForecast not implemented")
}
func (UnimplementedTriageServiceServer) ListModelVersions(context.Context, *ListModelVersionsRequest) (*ListModelVersionsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListModelVersions not implemented")
}
func (UnimplementedTriageServiceServer) GetRetrainStatus(context.Context, *GetRetrainStatusRequest) (*GetRetrainStatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetRetrainStatus not implemented")
}
func (UnimplementedTriageServiceServer) TriggerRetrain(context.Context, *TriggerRetrainRequest) (*TriggerRetrainResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method TriggerRetrain not implemented")
}
func (UnimplementedTriageServiceServer) WatchOutcomes(*WatchOutcomesRequest, TriageService_WatchOutcomesServer) error {
	return status.Error(codes.Unimplemented, "method WatchOutcomes not implemented")
}
func (UnimplementedTriageServiceServer) mustEmbedUnimplementedTriageServiceServer() {}
func (UnimplementedTriageServiceServer) testEmbeddedByValue()                      {}

// TriageService_WatchOutcomesServer is the server side of the outcome stream.
type TriageService_WatchOutcomesServer interface {
	Send(*Outcome) error
	grpc.ServerStream
}

type watchOutcomesServer struct {
	grpc.ServerStream
}

func (x *watchOutcomesServer) Send(m *Outcome) error {
	return x.ServerStream.SendMsg(m)
}

// RegisterTriageServiceServer registers srv on s.
// A pointer embedding of UnimplementedTriageServiceServer panics here, not
// on the first unimplemented call.
func RegisterTriageServiceServer(s grpc.ServiceRegistrar, srv TriageServiceServer) {
	if t, ok := srv.(interface{ testEmbeddedByValue() }); ok {
		t.testEmbeddedByValue()
	}
	s.RegisterService(&TriageService_ServiceDesc, srv)
}

func unary[Req any, Resp any](method string, call func(TriageServiceServer, context.Context, *Req) (*Resp, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TriageServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(TriageServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchOutcomesHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(WatchOutcomesRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(TriageServiceServer).WatchOutcomes(m, &watchOutcomesServer{stream})
}

// TriageService_ServiceDesc is the grpc.ServiceDesc for TriageService.
var TriageService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TriageServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitIncident", Handler: unary(TriageService_SubmitIncident_FullMethodName, TriageServiceServer.SubmitIncident)},
		{MethodName: "SubmitFeedback", Handler: unary(TriageService_SubmitFeedback_FullMethodName, TriageServiceServer.SubmitFeedback)},
		{MethodName: "GetIncidentResult", Handler: unary(TriageService_GetIncidentResult_FullMethodName, TriageServiceServer.GetIncidentResult)},
		{MethodName: "GetForecast", Handler: unary(TriageService_GetForecast_FullMethodName, TriageServiceServer.GetForecast)},
		{MethodName: "ListModelVersions", Handler: unary(TriageService_ListModelVersions_FullMethodName, TriageServiceServer.ListModelVersions)},
		{MethodName: "GetRetrainStatus", Handler: unary(TriageService_GetRetrainStatus_FullMethodName, TriageServiceServer.GetRetrainStatus)},
		{MethodName: "TriggerRetrain", Handler: unary(TriageService_TriggerRetrain_FullMethodName, TriageServiceServer.TriggerRetrain)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchOutcomes", Handler: watchOutcomesHandler, ServerStreams: true},
	},
	Metadata: "triage/v1/triage.proto",
}

// TriageServiceClient is the client API for TriageService.
type TriageServiceClient interface {
	SubmitIncident(ctx context.Context, in *SubmitIncidentRequest, opts ...grpc.CallOption) (*SubmitIncidentResponse, error)
	SubmitFeedback(ctx context.Context, in *SubmitFeedbackRequest, opts ...grpc.CallOption) (*SubmitFeedbackResponse, error)
	GetIncidentResult(ctx context.Context, in *GetIncidentResultRequest, opts ...grpc.CallOption) (*GetIncidentResultResponse, error)
	GetForecast(ctx context.Context, in *GetForecastRequest, opts ...grpc.CallOption) (*GetForecastResponse, error)
	ListModelVersions(ctx context.Context, in *ListModelVersionsRequest, opts ...grpc.CallOption) (*ListModelVersionsResponse, error)
	GetRetrainStatus(ctx context.Context, in *GetRetrainStatusRequest, opts ...grpc.CallOption) (*GetRetrainStatusResponse, error)
	TriggerRetrain(ctx context.Context, in *TriggerRetrainRequest, opts ...grpc.CallOption) (*TriggerRetrainResponse, error)
	WatchOutcomes(ctx context.Context, in *WatchOutcomesRequest, opts ...grpc.CallOption) (TriageService_WatchOutcomesClient, error)
}

type triageServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewTriageServiceClient wraps cc. Every call carries the JSON content subtype.
func NewTriageServiceClient(cc grpc.ClientConnInterface) TriageServiceClient {
	return &triageServiceClient{cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, method, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *triageServiceClient) SubmitIncident(ctx context.Context, in *SubmitIncidentRequest, opts ...grpc.CallOption) (*SubmitIncidentResponse, error) {
	return invoke[SubmitIncidentResponse](ctx, c.cc, TriageService_SubmitIncident_FullMethodName, in, opts)
}

func (c *triageServiceClient) SubmitFeedback(ctx context.Context, in *SubmitFeedbackRequest, opts ...grpc.CallOption) (*SubmitFeedbackResponse, error) {
	return invoke[SubmitFeedbackResponse](ctx, c.cc, TriageService_SubmitFeedback_FullMethodName, in, opts)
}

func (c *triageServiceClient) GetIncidentResult(ctx context.Context, in *GetIncidentResultRequest, opts ...grpc.CallOption) (*GetIncidentResultResponse, error) {
	return invoke[GetIncidentResultResponse](ctx, c.cc, TriageService_GetIncidentResult_FullMethodName, in, opts)
}

func (c *triageServiceClient) GetForecast(ctx context.Context, in *GetForecastRequest, opts ...grpc.CallOption) (*GetForecastResponse, error) {
	return invoke[GetForecastResponse](ctx, c.cc, TriageService_GetForecast_FullMethodName, in, opts)
}

func (c *triageServiceClient) ListModelVersions(ctx context.Context, in *ListModelVersionsRequest, opts ...grpc.CallOption) (*ListModelVersionsResponse, error) {
	return invoke[ListModelVersionsResponse](ctx, c.cc, TriageService_ListModelVersions_FullMethodName, in, opts)
}

func (c *triageServiceClient) GetRetrainStatus(ctx context.Context, in *GetRetrainStatusRequest, opts ...grpc.CallOption) (*GetRetrainStatusResponse, error) {
	return invoke[GetRetrainStatusResponse](ctx, c.cc, TriageService_GetRetrainStatus_FullMethodName, in, opts)
}

func (c *triageServiceClient) TriggerRetrain(ctx context.Context, in *TriggerRetrainRequest, opts ...grpc.CallOption) (*TriggerRetrainResponse, error) {
	return invoke[TriggerRetrainResponse](ctx, c.cc, TriageService_TriggerRetrain_FullMethodName, in, opts)
}

// TriageService_WatchOutcomesClient is the client side of the outcome stream.
type TriageService_WatchOutcomesClient interface {
	Recv() (*Outcome, error)
	grpc.ClientStream
}

type watchOutcomesClient struct {
	grpc.ClientStream
}

func (x *watchOutcomesClient) Recv() (*Outcome, error) {
	m := new(Outcome)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *triageServiceClient) WatchOutcomes(ctx context.Context, in *WatchOutcomesRequest, opts ...grpc.CallOption) (TriageService_WatchOutcomesClient, error) {
	stream, err := c.cc.NewStream(ctx, &TriageService_ServiceDesc.Streams[0], TriageService_WatchOutcomes_FullMethodName, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	x := &watchOutcomesClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
