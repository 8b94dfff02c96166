package dit

import (
	"math"

	"github.com/Hafeezmhk7/eva-clip-v3/embeddings"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
)

// ModelScope is the context scope under which all DiT variables live.
const ModelScope = "dit"

// SinusoidalEmbedding provides embeddings of the flow time `x` at
// geometrically spaced frequencies, so the network can easily resolve both
// coarse and fine positions along the flow.
func SinusoidalEmbedding(ctx *context.Context, x *Node) *Node {
	g := x.Graph()

	// Half the embedding holds sine numbers, half cosine numbers.
	halfEmbed := context.GetParamOr(ctx, "time_embed_size", 128) / 2
	logMinFreq := math.Log(context.GetParamOr(ctx, "sinusoidal_min_freq", 1.0))
	logMaxFreq := math.Log(context.GetParamOr(ctx, "sinusoidal_max_freq", 1000.0))
	frequencies := IotaFull(g, shapes.Make(x.DType(), halfEmbed))
	frequencies = AddScalar(
		MulScalar(frequencies, (logMaxFreq-logMinFreq)/float64(halfEmbed-1.0)),
		logMinFreq)
	frequencies = Exp(frequencies)
	frequencies.AssertDims(halfEmbed)

	angularSpeeds := MulScalar(frequencies, 2.0*math.Pi)
	if !x.Shape().IsScalar() {
		angularSpeeds = ExpandLeftToRank(angularSpeeds, x.Rank())
	}
	angles := Mul(angularSpeeds, x)
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

// normalizeLayer applies the normalization configured in the context
// (hyperparameter layers.ParamNormalization) over the embedding axis.
func normalizeLayer(ctx *context.Context, x *Node) *Node {
	norm := context.GetParamOr(ctx, layers.ParamNormalization, "none")
	switch norm {
	case "none":
		// No-op.
	case "layer":
		x = layers.LayerNormalization(ctx, x, -1).Done()
	}
	return x
}

// transformerLayer is one pre-norm DiT block: self-attention over the token
// axis followed by a 2-layer FFN, each with a residual connection.
func transformerLayer(ctx *context.Context, nanLogger *nanlogger.NanLogger, embed *Node, numHeads, keyDim int) *Node {
	embedDim := embed.Shape().Dimensions[2]

	residual := embed
	embed = normalizeLayer(ctx.In("attention_norm"), embed)
	embed = attention.MultiHeadAttention(ctx.In("attention"), embed, embed, embed, numHeads, keyDim).
		SetOutputDim(embedDim).
		SetValueHeadDim(keyDim).Done()
	nanLogger.TraceFirstNaN(embed, "attention")
	embed = layers.DropoutFromContext(ctx, embed)
	embed = Add(residual, embed)

	residual = embed
	embed = normalizeLayer(ctx.In("ffn_norm"), embed)
	embed = layers.Dense(ctx.In("ffn_1"), embed, true, 4*embedDim)
	embed = activations.ApplyFromContext(ctx, embed)
	embed = layers.Dense(ctx.In("ffn_2"), embed, true, embedDim)
	embed = layers.DropoutFromContext(ctx, embed)
	nanLogger.TraceFirstNaN(embed, "ffn")
	return Add(residual, embed)
}

// ModelGraph builds the DiT that predicts the flow velocity u(X,t).
//
// Parameters:
//   - noisy: the partially transported CLIP tokens X_t, shaped
//     `[batchSize, NumTokens, CLIPDim]`.
//   - times: the flow time of each example, `[batchSize, 1, 1]`, values in [0,1].
//   - cond: the EVA-CLIP conditioning tokens, `[batchSize, NumTokens, EVADim]`.
//
// It returns the predicted velocity, shaped like `noisy`.
//
// Hyperparameters read from ctx: "dit_embed_dim", "dit_num_layers",
// "dit_num_heads", plus the usual normalization/dropout/activation parameters.
func ModelGraph(ctx *context.Context, nanLogger *nanlogger.NanLogger, noisy, times, cond *Node) *Node {
	g := noisy.Graph()
	ctx = ctx.In(ModelScope).WithInitializer(initializers.XavierNormalFn(ctx))

	batchSize := noisy.Shape().Dimensions[0]
	noisy.AssertDims(batchSize, embeddings.NumTokens, embeddings.CLIPDim)
	times.AssertDims(batchSize, 1, 1)
	cond.AssertDims(batchSize, embeddings.NumTokens, embeddings.EVADim)
	nanLogger.TraceFirstNaN(noisy, "ModelGraph:noisy")

	embedDim := context.GetParamOr(ctx, "dit_embed_dim", 768)
	numLayers := context.GetParamOr(ctx, "dit_num_layers", 8)
	numHeads := context.GetParamOr(ctx, "dit_num_heads", 12)
	keyDim := embedDim / numHeads

	// nextCtx returns a new scope prefixed with a counter, to give a nice
	// ordering to the variables.
	layerNum := 0
	nextCtx := func(format string, args ...any) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-"+format, append([]any{layerNum}, args...)...)
		layerNum++
		return
	}

	// Project the noisy CLIP tokens and the EVA conditioning tokens to the
	// model width, and add them token-wise: token i of the condition informs
	// token i of the prediction.
	x := layers.Dense(nextCtx("TokenProjection"), noisy, true, embedDim)
	condEmbed := layers.Dense(nextCtx("ConditionProjection"), cond, true, embedDim)
	x = Add(x, condEmbed)
	nanLogger.TraceFirstNaN(x, "ModelGraph:projected")

	// Learned positional embedding over the token axis.
	posEmbedVar := nextCtx("Positional").
		WithInitializer(initializers.RandomNormalFn(ctx, 1.0/float64(embedDim))).
		VariableWithShape("embeddings", shapes.Make(x.DType(), 1, embeddings.NumTokens, embedDim))
	x = Add(x, posEmbedVar.ValueGraph(g))

	// Flow time embedding, broadcast over all tokens.
	timeEmbed := SinusoidalEmbedding(ctx, times)
	timeEmbed = layers.Dense(nextCtx("TimeProjection"), timeEmbed, true, embedDim)
	nanLogger.TraceFirstNaN(timeEmbed, "ModelGraph:timeEmbed")
	x = Add(x, timeEmbed)

	for ii := 0; ii < numLayers; ii++ {
		blockCtx := nextCtx("Layer_%d", ii)
		nanLogger.PushScope(blockCtx.Scope())
		x = transformerLayer(blockCtx, nanLogger, x, numHeads, keyDim)
		nanLogger.TraceFirstNaN(x, "ModelGraph:x")
		nanLogger.PopScope()
	}

	x = normalizeLayer(nextCtx("FinalNorm"), x)

	// Velocity readout initialized to 0, the mean of the target.
	x = layers.DenseWithBias(nextCtx("Readout").WithInitializer(initializers.Zero), x, embeddings.CLIPDim)
	nanLogger.TraceFirstNaN(x, "ModelGraph:readout")
	return x
}
