//go:build windows

package webgpu

// gemmParamsSize is the byte size of the Params uniform below (8 × 4 bytes).
const gemmParamsSize = 32

// gemmShader computes C = alpha * op(A) @ op(B) on row-major matrices.
// op(A) is M×K, op(B) is K×N, C is M×N. Bit 0 of flags transposes A, bit 1 transposes B.
// lda, ldb and ldc are row strides of the matrices as stored.
const gemmShader = `
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;

struct Params {
    m: u32,
    n: u32,
    k: u32,
    flags: u32,
    lda: u32,
    ldb: u32,
    ldc: u32,
    alpha: f32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(16, 16)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let row = global_id.y;
    let col = global_id.x;

    if (row >= params.m || col >= params.n) {
        return;
    }

    let trans_a = (params.flags & 1u) != 0u;
    let trans_b = (params.flags & 2u) != 0u;

    var sum: f32 = 0.0;
    for (var kk: u32 = 0u; kk < params.k; kk = kk + 1u) {
        var a_idx = row * params.lda + kk;
        if (trans_a) {
            a_idx = kk * params.lda + row;
        }
        var b_idx = kk * params.ldb + col;
        if (trans_b) {
            b_idx = col * params.ldb + kk;
        }
        sum = sum + a[a_idx] * b[b_idx];
    }

    result[row * params.ldc + col] = params.alpha * sum;
}
`
