package tunproxy

// EngineVersion is reported over the boundary and the control channel.
const EngineVersion = "1.0.0"
